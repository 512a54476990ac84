package rtctransport

import (
	"net"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/pion/webrtc/v4"
)

// Transport is a [model.Transport] over a WebRTC data channel.
type Transport struct {
	// channel is the open data channel.
	channel *webrtc.DataChannel

	// closeOnce ensures we close just once.
	closeOnce sync.Once

	// hangup is closed when we are closing.
	hangup chan any

	// logger is the logger to use.
	logger model.Logger

	// peering owns the channel and the ICE session.
	peering *webrtc.PeerConnection

	// receiveOnce ensures a single receive callback.
	receiveOnce sync.Once

	// reliable is true for the relay backend, whose channel is
	// ordered and lossless, and false for punch.
	reliable bool

	// sendReady is signaled when the buffered amount drains below
	// the low watermark.
	sendReady chan struct{}
}

var _ model.Transport = &Transport{}

// newTransport wraps an open data channel.
func newTransport(logger model.Logger, peering *webrtc.PeerConnection,
	channel *webrtc.DataChannel, reliable bool) *Transport {
	t := &Transport{
		channel:     channel,
		closeOnce:   sync.Once{},
		hangup:      make(chan any),
		logger:      logger,
		peering:     peering,
		receiveOnce: sync.Once{},
		reliable:    reliable,
		sendReady:   make(chan struct{}, 1),
	}
	channel.SetBufferedAmountLowThreshold(lowWaterMark)
	channel.OnBufferedAmountLow(func() {
		select {
		case t.sendReady <- struct{}{}:
		default:
		}
	})
	return t
}

// Send implements model.Transport. When the channel has buffered more
// than the high watermark, the punch backend drops the datagram and
// lets the engine recover it, while the relay backend waits for the
// buffer to drain.
func (t *Transport) Send(data []byte) error {
	select {
	case <-t.hangup:
		return net.ErrClosed
	default:
	}
	if t.channel.BufferedAmount() > highWaterMark {
		if !t.reliable {
			t.logger.Debug("rtc: channel congested: dropping datagram")
			return nil
		}
		select {
		case <-t.sendReady:
		case <-t.hangup:
			return net.ErrClosed
		}
	}
	if err := t.channel.Send(data); err != nil {
		return err
	}
	return nil
}

// SendReliable implements model.Transport. Delivery is only actually
// guaranteed on the relay backend, where it equals [Transport.Send].
// On punch the engine layers its own reliability, so this too is a
// plain send, just with backpressure instead of dropping.
func (t *Transport) SendReliable(data []byte) error {
	select {
	case <-t.hangup:
		return net.ErrClosed
	default:
	}
	if t.channel.BufferedAmount() > highWaterMark {
		select {
		case <-t.sendReady:
		case <-t.hangup:
			return net.ErrClosed
		}
	}
	return t.channel.Send(data)
}

// OnReceive implements model.Transport. The callback runs on the
// channel's reader goroutine and must not retain the slice.
func (t *Transport) OnReceive(fn func(data []byte)) {
	t.receiveOnce.Do(func() {
		t.channel.OnMessage(func(msg webrtc.DataChannelMessage) {
			fn(msg.Data)
		})
	})
}

// RequiresSequencing implements model.Transport.
func (t *Transport) RequiresSequencing() bool {
	return !t.reliable
}

// RequiresReliability implements model.Transport.
func (t *Transport) RequiresReliability() bool {
	return !t.reliable
}

// RequiresCongestionControl implements model.Transport.
func (t *Transport) RequiresCongestionControl() bool {
	return !t.reliable
}

// RemoteEndpoint implements model.Transport. Peers behind ICE have no
// stable address worth exposing, so this is empty.
func (t *Transport) RemoteEndpoint() string {
	return ""
}

// Close implements model.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.hangup)
		t.channel.Close()
		t.peering.Close()
		t.logger.Debug("rtc: closed")
	})
	return nil
}

// Done returns a channel closed when the transport has been closed.
func (t *Transport) Done() <-chan any {
	return t.hangup
}
