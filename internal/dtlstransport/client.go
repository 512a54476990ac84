package dtlstransport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/networkio"
	"github.com/pion/dtls/v3"
)

// maxConsecutiveReadErrors is how many socket read errors in a row the
// reader tolerates before declaring the socket dead.
const maxConsecutiveReadErrors = 8

// Dial binds a UDP socket, runs the DTLS handshake against the given
// address and returns the established transport. The context bounds
// the whole dial on top of the configured handshake timeout.
func Dial(ctx context.Context, config *Config, address string) (*Transport, error) {
	logger := config.logger()
	tracker := &stateTracker{logger: logger, state: stateIdle}

	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		tracker.moveTo(stateFailed)
		return nil, fmt.Errorf("%w: %s", ErrDial, err)
	}

	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		tracker.moveTo(stateFailed)
		return nil, fmt.Errorf("%w: %s", ErrDial, err)
	}
	tracker.moveTo(stateSocketBound)

	queue := networkio.NewQueueConn(logger, socket, remote)
	go socketReader(logger, socket, queue, remote)

	conn, err := dtls.Client(queue, remote, config.dtls())
	if err != nil {
		queue.Close()
		socket.Close()
		tracker.moveTo(stateFailed)
		return nil, fmt.Errorf("%w: %s", ErrDial, err)
	}

	tracker.moveTo(stateHandshaking)
	handshakeCtx, cancel := context.WithTimeout(ctx, config.handshakeTimeout())
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		conn.Close()
		queue.Close()
		socket.Close()
		if errors.Is(handshakeCtx.Err(), context.DeadlineExceeded) {
			tracker.moveTo(stateTimedOut)
			return nil, ErrHandshakeTimeout
		}
		tracker.moveTo(stateFailed)
		return nil, fmt.Errorf("%w: %s", ErrDial, err)
	}
	tracker.moveTo(stateConnected)
	logger.Infof("dtls: connected to %s", remote)

	return newTransport(logger, conn, remote.String(), nil, conn, queue, socket), nil
}

// socketReader moves raw datagrams from the socket into the queue the
// record layer reads from. The socket talks to a single remote, so
// datagrams from anyone else are dropped.
func socketReader(logger model.Logger, socket net.PacketConn, queue *networkio.QueueConn, remote net.Addr) {
	buffer := make([]byte, readBufferSize)
	failures := 0
	for {
		// POSSIBLY BLOCK reading the next datagram
		count, from, err := socket.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures >= maxConsecutiveReadErrors {
				logger.Warnf("dtls: socket reader: giving up: %s", err)
				queue.Close()
				return
			}
			logger.Warnf("dtls: socket reader: %s", err)
			continue
		}
		failures = 0
		if from.String() != remote.String() {
			logger.Debugf("dtls: socket reader: dropping stray datagram from %s", from)
			continue
		}
		queue.Deliver(append([]byte{}, buffer[:count]...))
	}
}
