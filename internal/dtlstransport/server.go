package dtlstransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/networkio"
	"github.com/pion/dtls/v3"
)

// acceptBacklog is how many established transports may await an
// [Listener.Accept] call.
const acceptBacklog = 16

// Listener accepts DTLS sessions over one shared UDP socket. A demux
// loop routes each inbound datagram to the per-endpoint queue; fresh
// endpoints get a handshake goroutine.
type Listener struct {
	// accepts queues established transports.
	accepts chan *Transport

	// closeOnce ensures we close just once.
	closeOnce sync.Once

	// config is the backend configuration.
	config *Config

	// conns maps remote endpoints to their connection entry.
	conns map[string]*serverEntry

	// hangup is closed when the listener is closed.
	hangup chan any

	// logger logs listener events.
	logger model.Logger

	// mu guards conns and the entries within.
	mu sync.Mutex

	// socket is the shared listening socket.
	socket net.PacketConn
}

// serverEntry is the per-endpoint connection state. The transport is
// nil while the handshake is still running.
type serverEntry struct {
	queue     *networkio.QueueConn
	transport *Transport
}

// Listen binds the shared socket and starts the demux loop.
func Listen(config *Config, address string) (*Listener, error) {
	local, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrListen, err)
	}
	socket, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrListen, err)
	}
	listener := &Listener{
		accepts:   make(chan *Transport, acceptBacklog),
		closeOnce: sync.Once{},
		config:    config,
		conns:     make(map[string]*serverEntry),
		hangup:    make(chan any),
		logger:    config.logger(),
		mu:        sync.Mutex{},
		socket:    socket,
	}
	go listener.demuxLoop()
	listener.logger.Infof("dtls: listening on %s", socket.LocalAddr())
	return listener, nil
}

// Accept returns the next established transport.
func (l *Listener) Accept(ctx context.Context) (*Transport, error) {
	select {
	case transport := <-l.accepts:
		return transport, nil
	case <-l.hangup:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the local address of the shared socket.
func (l *Listener) Addr() net.Addr {
	return l.socket.LocalAddr()
}

// Close closes the shared socket and every connection. Close is
// idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.hangup)
		l.socket.Close()
		l.mu.Lock()
		entries := make([]*serverEntry, 0, len(l.conns))
		for _, entry := range l.conns {
			entries = append(entries, entry)
		}
		l.conns = make(map[string]*serverEntry)
		l.mu.Unlock()
		for _, entry := range entries {
			entry.queue.Close()
			if entry.transport != nil {
				entry.transport.Close()
			}
		}
	})
	return nil
}

// demuxLoop reads the shared socket and routes each datagram.
func (l *Listener) demuxLoop() {
	buffer := make([]byte, readBufferSize)
	for {
		// POSSIBLY BLOCK reading the next datagram
		count, from, err := l.socket.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnf("dtls: demux: %s", err)
			continue
		}
		l.route(append([]byte{}, buffer[:count]...), from)
	}
}

// route hands one datagram to its per-endpoint queue, creating the
// entry when the endpoint is new. A client hello aimed at an endpoint
// in connected state replaces the stale session.
func (l *Listener) route(data []byte, from net.Addr) {
	endpoint := from.String()

	var stale *Transport
	l.mu.Lock()
	entry, found := l.conns[endpoint]
	if found && entry.transport != nil && isClientHello(data) {
		stale = entry.transport
		delete(l.conns, endpoint)
		found = false
	}
	if !found {
		entry = &serverEntry{
			queue:     networkio.NewQueueConn(l.logger, l.socket, from),
			transport: nil,
		}
		l.conns[endpoint] = entry
		go l.handshake(entry, from)
	}
	queue := entry.queue
	l.mu.Unlock()

	if stale != nil {
		l.logger.Infof("dtls: %s: new handshake replaces the stale session", endpoint)
		stale.Close()
	}
	queue.Deliver(data)
}

// handshake runs the server side of the DTLS handshake for one fresh
// endpoint and queues the established transport for accepting.
func (l *Listener) handshake(entry *serverEntry, from net.Addr) {
	endpoint := from.String()

	conn, err := dtls.Server(entry.queue, from, l.config.dtls())
	if err != nil {
		l.logger.Warnf("dtls: %s: %s", endpoint, err)
		l.dropEntry(endpoint, entry)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.config.handshakeTimeout())
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		l.logger.Warnf("dtls: %s: handshake: %s", endpoint, err)
		conn.Close()
		l.dropEntry(endpoint, entry)
		return
	}

	var transport *Transport
	transport = newTransport(l.logger, conn, endpoint, func() {
		l.removeEntry(endpoint, transport)
	}, conn, entry.queue)

	l.mu.Lock()
	current, found := l.conns[endpoint]
	if !found || current != entry {
		// replaced or closed while we were handshaking
		l.mu.Unlock()
		transport.Close()
		return
	}
	entry.transport = transport
	l.mu.Unlock()

	l.logger.Infof("dtls: %s: connected", endpoint)
	select {
	case l.accepts <- transport:
	case <-l.hangup:
		transport.Close()
	}
}

// dropEntry removes a failed entry, unless it was replaced already.
func (l *Listener) dropEntry(endpoint string, entry *serverEntry) {
	l.mu.Lock()
	if current, found := l.conns[endpoint]; found && current == entry {
		delete(l.conns, endpoint)
	}
	l.mu.Unlock()
	entry.queue.Close()
}

// removeEntry forgets the entry owning the given transport, so the
// endpoint can connect again later.
func (l *Listener) removeEntry(endpoint string, transport *Transport) {
	defer l.mu.Unlock()
	l.mu.Lock()
	if entry, found := l.conns[endpoint]; found && entry.transport == transport {
		delete(l.conns, endpoint)
	}
}

// isClientHello detects the start of a new DTLS handshake: a
// handshake record whose first message is a client hello.
func isClientHello(datagram []byte) bool {
	return len(datagram) >= 14 && datagram[0] == 22 && datagram[13] == 1
}
