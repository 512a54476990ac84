package networkio

import (
	"net"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
)

// queueSize is the number of inbound datagrams a [QueueConn] buffers
// before it starts dropping.
const queueSize = 128

// QueueConn is a [net.PacketConn] view over a single remote endpoint
// of a shared datagram socket. A demultiplexing read loop feeds
// inbound datagrams into the queue with [QueueConn.Deliver] while
// writes go directly to the underlying socket.
//
// The zero value is invalid; use [NewQueueConn].
type QueueConn struct {
	// closeOnce ensures we hang up just once.
	closeOnce sync.Once

	// hangup is closed when the conn is closed.
	hangup chan any

	// incoming queues datagrams delivered by the read loop.
	incoming chan []byte

	// logger is the logger to use.
	logger model.Logger

	// remote is the fixed remote endpoint.
	remote net.Addr

	// socket is the shared underlying socket used for writes. The
	// conn does not own it and does not close it.
	socket net.PacketConn
}

var _ net.PacketConn = &QueueConn{}

// NewQueueConn creates a [QueueConn] for the given remote endpoint.
func NewQueueConn(logger model.Logger, socket net.PacketConn, remote net.Addr) *QueueConn {
	return &QueueConn{
		closeOnce: sync.Once{},
		hangup:    make(chan any),
		incoming:  make(chan []byte, queueSize),
		logger:    logger,
		remote:    remote,
		socket:    socket,
	}
}

// Deliver hands an inbound datagram to the conn without blocking. It
// returns false when the queue is full or the conn is closed, in
// which case the datagram is dropped.
func (c *QueueConn) Deliver(data []byte) bool {
	select {
	case <-c.hangup:
		return false
	default:
	}
	select {
	case c.incoming <- data:
		return true
	default:
		c.logger.Debugf("queueconn: %s: queue full, dropping %d bytes", c.remote, len(data))
		return false
	}
}

// ReadFrom implements net.PacketConn
func (c *QueueConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data := <-c.incoming:
		return copy(p, data), c.remote, nil
	case <-c.hangup:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo implements net.PacketConn
func (c *QueueConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.hangup:
		return 0, net.ErrClosed
	default:
		return c.socket.WriteTo(p, c.remote)
	}
}

// Close implements net.PacketConn. Closing does not close the shared
// underlying socket.
func (c *QueueConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.hangup)
	})
	return nil
}

// Done returns a channel closed when the conn has been closed.
func (c *QueueConn) Done() <-chan any {
	return c.hangup
}

// LocalAddr implements net.PacketConn
func (c *QueueConn) LocalAddr() net.Addr {
	return c.socket.LocalAddr()
}

// RemoteAddr returns the fixed remote endpoint.
func (c *QueueConn) RemoteAddr() net.Addr {
	return c.remote
}

// SetDeadline implements net.PacketConn
func (c *QueueConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements net.PacketConn
func (c *QueueConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements net.PacketConn
func (c *QueueConn) SetWriteDeadline(t time.Time) error {
	return nil
}
