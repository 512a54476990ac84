package dtlstransport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/pion/dtls/v3"
)

// Transport is an established DTLS session moving raw datagrams. Each
// [Transport.Send] is one datagram in, each receive callback one
// datagram out.
type Transport struct {
	// closeOnce ensures we close just once.
	closeOnce sync.Once

	// closers are closed in order on [Transport.Close]. A client
	// transport owns its socket, a server transport only its queue.
	closers []io.Closer

	// conn is the established DTLS session.
	conn *dtls.Conn

	// hangup is closed when the transport is closed.
	hangup chan any

	// logger logs transport events.
	logger model.Logger

	// onClose, when set, runs once after closing.
	onClose func()

	// receiveOnce ensures a single receive loop.
	receiveOnce sync.Once

	// remote is the remote endpoint address.
	remote string
}

var _ model.Transport = &Transport{}

func newTransport(logger model.Logger, conn *dtls.Conn, remote string, onClose func(), closers ...io.Closer) *Transport {
	return &Transport{
		closeOnce:   sync.Once{},
		closers:     closers,
		conn:        conn,
		hangup:      make(chan any),
		logger:      logger,
		onClose:     onClose,
		receiveOnce: sync.Once{},
		remote:      remote,
	}
}

// Send implements model.Transport.
func (t *Transport) Send(data []byte) error {
	select {
	case <-t.hangup:
		return net.ErrClosed
	default:
	}
	if _, err := t.conn.Write(data); err != nil {
		if errors.Is(err, dtls.ErrConnClosed) {
			return net.ErrClosed
		}
		return err
	}
	return nil
}

// SendReliable implements model.Transport. DTLS gives no delivery
// guarantee, so this is plain [Transport.Send] and the engine layers
// reliability on top.
func (t *Transport) SendReliable(data []byte) error {
	return t.Send(data)
}

// OnReceive implements model.Transport. The callback runs on the
// receive loop goroutine and must not retain the slice.
func (t *Transport) OnReceive(fn func(data []byte)) {
	t.receiveOnce.Do(func() {
		go t.receiveLoop(fn)
	})
}

func (t *Transport) receiveLoop(fn func(data []byte)) {
	buffer := make([]byte, readBufferSize)
	for {
		// POSSIBLY BLOCK reading the next datagram
		count, err := t.conn.Read(buffer)
		if err != nil {
			select {
			case <-t.hangup:
			default:
				// a dead record layer cannot recover, so fail the
				// sends fast as well
				t.logger.Warnf("dtls: %s: read: %s", t.remote, err)
				t.Close()
			}
			return
		}
		fn(buffer[:count])
	}
}

// RequiresSequencing implements model.Transport.
func (t *Transport) RequiresSequencing() bool {
	return true
}

// RequiresReliability implements model.Transport.
func (t *Transport) RequiresReliability() bool {
	return true
}

// RequiresCongestionControl implements model.Transport.
func (t *Transport) RequiresCongestionControl() bool {
	return true
}

// RemoteEndpoint implements model.Transport.
func (t *Transport) RemoteEndpoint() string {
	return t.remote
}

// Close implements model.Transport. Close is idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.hangup)
		for _, closer := range t.closers {
			closer.Close()
		}
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

// Done returns a channel closed once the transport is closed.
func (t *Transport) Done() <-chan any {
	return t.hangup
}
