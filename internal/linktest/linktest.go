// Package linktest provides in-memory transports for testing the
// link services without real sockets.
package linktest

import (
	"net"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
)

// FaultFunc rewrites the payloads handed to the peer for the nth call
// to Send, counting from 1. Returning nil drops the payload; returning
// several delivers them in order.
type FaultFunc func(n int, data []byte) [][]byte

// DropFirst drops the first count sends and passes the rest.
func DropFirst(count int) FaultFunc {
	return func(n int, data []byte) [][]byte {
		if n <= count {
			return nil
		}
		return [][]byte{data}
	}
}

// DropEvery drops every nth send.
func DropEvery(nth int) FaultFunc {
	return func(n int, data []byte) [][]byte {
		if n%nth == 0 {
			return nil
		}
		return [][]byte{data}
	}
}

// DuplicateAll delivers every send twice.
func DuplicateAll() FaultFunc {
	return func(n int, data []byte) [][]byte {
		return [][]byte{data, data}
	}
}

// SwapPairs holds each odd send and delivers it after the following
// one, so consecutive sends arrive swapped.
func SwapPairs() FaultFunc {
	var held []byte
	return func(n int, data []byte) [][]byte {
		if held == nil {
			held = data
			return nil
		}
		swapped := [][]byte{data, held}
		held = nil
		return swapped
	}
}

// Endpoint is one side of an in-memory [model.Transport] pair built
// with [NewPair]. Payloads written with Send traverse the endpoint's
// fault hook and surface at the peer's OnReceive callback.
type Endpoint struct {
	capCongestion bool
	capReliable   bool
	capSequencing bool
	closeOnce     sync.Once
	faults        FaultFunc
	hangup        chan any
	incoming      chan []byte
	mu            sync.Mutex
	peer          *Endpoint
	receive       func(data []byte)
	remote        string
	sendCount     int
	sent          [][]byte
	startOnce     sync.Once
}

// NewPair returns two linked endpoints. Both declare sequencing,
// reliability and congestion control as required, like a plain
// datagram backend does.
func NewPair() (*Endpoint, *Endpoint) {
	left := newEndpoint("linktest://right")
	right := newEndpoint("linktest://left")
	left.peer, right.peer = right, left
	return left, right
}

func newEndpoint(remote string) *Endpoint {
	return &Endpoint{
		capCongestion: true,
		capReliable:   true,
		capSequencing: true,
		closeOnce:     sync.Once{},
		faults:        nil,
		hangup:        make(chan any),
		incoming:      make(chan []byte, 1024),
		mu:            sync.Mutex{},
		peer:          nil,
		receive:       nil,
		remote:        remote,
		sendCount:     0,
		sent:          [][]byte{},
		startOnce:     sync.Once{},
	}
}

// SetCapabilities overrides the three capability flags, so a pair can
// impersonate backends with native services.
func (e *Endpoint) SetCapabilities(sequencing, reliability, congestion bool) {
	defer e.mu.Unlock()
	e.mu.Lock()
	e.capSequencing = sequencing
	e.capReliable = reliability
	e.capCongestion = congestion
}

// SetFaults installs the outbound fault hook.
func (e *Endpoint) SetFaults(fn FaultFunc) {
	defer e.mu.Unlock()
	e.mu.Lock()
	e.faults = fn
}

// SetRemoteEndpoint overrides the remote address. The empty string
// mimics backends without a meaningful one.
func (e *Endpoint) SetRemoteEndpoint(endpoint string) {
	defer e.mu.Unlock()
	e.mu.Lock()
	e.remote = endpoint
}

// Send implements [model.Transport].
func (e *Endpoint) Send(data []byte) error {
	select {
	case <-e.hangup:
		return net.ErrClosed
	default:
	}
	e.mu.Lock()
	e.sendCount++
	n := e.sendCount
	copied := append([]byte{}, data...)
	e.sent = append(e.sent, copied)
	hook := e.faults
	e.mu.Unlock()

	outgoing := [][]byte{copied}
	if hook != nil {
		outgoing = hook(n, copied)
	}
	for _, payload := range outgoing {
		e.peer.deposit(payload)
	}
	return nil
}

// SendReliable implements [model.Transport]. Delivery bypasses the
// fault hook, like a backend with a native reliable path.
func (e *Endpoint) SendReliable(data []byte) error {
	select {
	case <-e.hangup:
		return net.ErrClosed
	default:
	}
	e.mu.Lock()
	copied := append([]byte{}, data...)
	e.sent = append(e.sent, copied)
	e.mu.Unlock()
	e.peer.deposit(copied)
	return nil
}

// OnReceive implements [model.Transport].
func (e *Endpoint) OnReceive(fn func(data []byte)) {
	e.mu.Lock()
	e.receive = fn
	e.mu.Unlock()
	e.startOnce.Do(func() {
		go e.deliverLoop()
	})
}

// RequiresSequencing implements [model.Transport].
func (e *Endpoint) RequiresSequencing() bool {
	defer e.mu.Unlock()
	e.mu.Lock()
	return e.capSequencing
}

// RequiresReliability implements [model.Transport].
func (e *Endpoint) RequiresReliability() bool {
	defer e.mu.Unlock()
	e.mu.Lock()
	return e.capReliable
}

// RequiresCongestionControl implements [model.Transport].
func (e *Endpoint) RequiresCongestionControl() bool {
	defer e.mu.Unlock()
	e.mu.Lock()
	return e.capCongestion
}

// RemoteEndpoint implements [model.Transport].
func (e *Endpoint) RemoteEndpoint() string {
	defer e.mu.Unlock()
	e.mu.Lock()
	return e.remote
}

// Close implements [model.Transport].
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.hangup)
	})
	return nil
}

// Done returns a channel closed when the endpoint is closed.
func (e *Endpoint) Done() <-chan any {
	return e.hangup
}

// History returns a copy of every payload passed to Send and
// SendReliable, before faults.
func (e *Endpoint) History() [][]byte {
	defer e.mu.Unlock()
	e.mu.Lock()
	history := make([][]byte, len(e.sent))
	copy(history, e.sent)
	return history
}

func (e *Endpoint) deposit(data []byte) {
	select {
	case e.incoming <- data:
	case <-e.hangup:
	case <-e.peer.hangup:
	}
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case data := <-e.incoming:
			e.mu.Lock()
			fn := e.receive
			e.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-e.hangup:
			return
		}
	}
}

var _ model.Transport = &Endpoint{}
