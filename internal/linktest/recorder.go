package linktest

import (
	"net"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
)

// Recorder is a [model.Transport] without a peer: it records what the
// engine sends and lets the test inject inbound payloads directly.
// Inject runs the receive callback on the caller's goroutine, which
// keeps assertions against the engine state race free.
type Recorder struct {
	capCongestion bool
	capReliable   bool
	capSequencing bool
	closeOnce     sync.Once
	hangup        chan any
	mu            sync.Mutex
	receive       func(data []byte)
	reliable      [][]byte
	remote        string
	sent          [][]byte
}

// NewRecorder returns a [Recorder] declaring sequencing, reliability
// and congestion control as required.
func NewRecorder() *Recorder {
	return &Recorder{
		capCongestion: true,
		capReliable:   true,
		capSequencing: true,
		closeOnce:     sync.Once{},
		hangup:        make(chan any),
		mu:            sync.Mutex{},
		receive:       nil,
		reliable:      [][]byte{},
		remote:        "linktest://recorder",
		sent:          [][]byte{},
	}
}

// SetCapabilities overrides the three capability flags.
func (r *Recorder) SetCapabilities(sequencing, reliability, congestion bool) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.capSequencing = sequencing
	r.capReliable = reliability
	r.capCongestion = congestion
}

// SetRemoteEndpoint overrides the remote address.
func (r *Recorder) SetRemoteEndpoint(endpoint string) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.remote = endpoint
}

// Send implements [model.Transport].
func (r *Recorder) Send(data []byte) error {
	select {
	case <-r.hangup:
		return net.ErrClosed
	default:
	}
	defer r.mu.Unlock()
	r.mu.Lock()
	r.sent = append(r.sent, append([]byte{}, data...))
	return nil
}

// SendReliable implements [model.Transport].
func (r *Recorder) SendReliable(data []byte) error {
	select {
	case <-r.hangup:
		return net.ErrClosed
	default:
	}
	defer r.mu.Unlock()
	r.mu.Lock()
	r.reliable = append(r.reliable, append([]byte{}, data...))
	return nil
}

// OnReceive implements [model.Transport].
func (r *Recorder) OnReceive(fn func(data []byte)) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.receive = fn
}

// RequiresSequencing implements [model.Transport].
func (r *Recorder) RequiresSequencing() bool {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.capSequencing
}

// RequiresReliability implements [model.Transport].
func (r *Recorder) RequiresReliability() bool {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.capReliable
}

// RequiresCongestionControl implements [model.Transport].
func (r *Recorder) RequiresCongestionControl() bool {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.capCongestion
}

// RemoteEndpoint implements [model.Transport].
func (r *Recorder) RemoteEndpoint() string {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.remote
}

// Close implements [model.Transport].
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.hangup)
	})
	return nil
}

// Inject hands data to the registered receive callback.
func (r *Recorder) Inject(data []byte) {
	r.mu.Lock()
	fn := r.receive
	r.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Drain returns the payloads recorded by Send so far and clears the
// record, so a test can assert tick by tick.
func (r *Recorder) Drain() [][]byte {
	defer r.mu.Unlock()
	r.mu.Lock()
	drained := r.sent
	r.sent = [][]byte{}
	return drained
}

// DrainReliable returns the payloads recorded by SendReliable so far
// and clears the record.
func (r *Recorder) DrainReliable() [][]byte {
	defer r.mu.Unlock()
	r.mu.Lock()
	drained := r.reliable
	r.reliable = [][]byte{}
	return drained
}

var _ model.Transport = &Recorder{}
