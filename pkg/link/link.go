// Package link contains the public client and server API.
//
// [Dial] connects to a serving peer over the configured backend and
// returns a [Peer] once the handshake assigned us a client id.
// [Listen] starts the serving side, which admits clients through an
// accept policy and hands each one out as a [Peer] too.
//
// A Peer embeds the connection engine, so the producer API, the chunk
// sender, the handler registries and the statistics accessors are
// available on it directly. The packages under internal do the actual
// work; no protocol logic lives here.
package link

import (
	"errors"
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/update"
	"github.com/minilink-dev/minilink/internal/workers"
)

// ErrUnknownBackend means the configured backend name is not one of
// dtls, relay and punch.
var ErrUnknownBackend = errors.New("minilink: unknown backend")

// Peer is one end of an established link. On the dialing side it
// represents the server; on the serving side it represents one
// admitted client.
type Peer struct {
	// Manager is the connection engine. Its producer API, handler
	// registries, SendChunk and statistics are safe to use directly.
	*update.Manager

	// addons is the remote's addon manifest.
	addons []model.AddonInfo

	// closeOnce makes Close idempotent.
	closeOnce sync.Once

	// done is closed when the link is finished, whether it died on
	// its own or was deliberately closed.
	done chan struct{}

	// err is the terminal error, nil on deliberate close. Guarded by
	// mu together with finished and terminalFns.
	err error

	// finished tells whether the link already finished.
	finished bool

	// id is the client id the handshake assigned.
	id uint16

	// message is the server's greeting. Empty on the serving side.
	message string

	// mu guards err, finished and terminalFns.
	mu sync.Mutex

	// name is the remote's display name.
	name string

	// onClose runs once after a deliberate Close. Used by the server
	// to unregister the peer; nil on the dialing side.
	onClose func()

	// terminalFns are the callbacks to invoke when the link dies on
	// its own.
	terminalFns []func(err error)

	// token is the remote's identity token. Empty on the dialing
	// side, which never learns one.
	token string

	// transport is the backend carrying the link.
	transport model.Transport

	// workers controls this link's workers.
	workers *workers.Manager
}

// ID returns the client id the handshake assigned: ours when dialing,
// the client's when serving.
func (p *Peer) ID() uint16 {
	return p.id
}

// Name returns the remote's display name.
func (p *Peer) Name() string {
	return p.name
}

// Token returns the remote's identity token. Empty on the dialing
// side.
func (p *Peer) Token() string {
	return p.token
}

// Message returns the server's greeting. Empty on the serving side.
func (p *Peer) Message() string {
	return p.message
}

// Addons returns the remote's addon manifest.
func (p *Peer) Addons() []model.AddonInfo {
	return p.addons
}

// RemoteEndpoint returns the remote address, or an empty string on
// backends without stable addresses.
func (p *Peer) RemoteEndpoint() string {
	return p.transport.RemoteEndpoint()
}

// Done returns a channel closed once the link is finished, whether it
// died on its own or was deliberately closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err returns the terminal error once [Peer.Done] is closed. It is
// nil after a deliberate [Peer.Close].
func (p *Peer) Err() error {
	defer p.mu.Unlock()
	p.mu.Lock()
	return p.err
}

// OnTerminal registers a callback invoked at most once if the link
// dies on its own, with the reason. A deliberate [Peer.Close]
// suppresses the callbacks. Registering after the link already died
// invokes the callback immediately. This shadows the engine's own
// registration, which the link owns.
func (p *Peer) OnTerminal(fn func(err error)) {
	p.mu.Lock()
	if p.finished {
		err := p.err
		p.mu.Unlock()
		if err != nil {
			fn(err)
		}
		return
	}
	p.terminalFns = append(p.terminalFns, fn)
	p.mu.Unlock()
}

// Close deliberately tears down the link: it sends one last update,
// stops the workers, waits for them, and closes the transport. Close
// is idempotent and must not be called from a handler callback, which
// runs on the worker being waited for.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.Stop()
		p.workers.WaitWorkersShutdown()
		_ = p.transport.Close()
		p.finish(nil)
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}

// finish records the link end, closes done and, when the link died on
// its own, fires the terminal callbacks. Only the first call counts.
func (p *Peer) finish(err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.err = err
	fns := p.terminalFns
	p.terminalFns = nil
	p.mu.Unlock()
	close(p.done)
	if err != nil {
		for _, fn := range fns {
			fn(err)
		}
	}
}

// newPeer wires a peer around an engine. The terminal hook must still
// be registered by the caller before starting the workers.
func newPeer(manager *update.Manager, transport model.Transport,
	workersManager *workers.Manager) *Peer {
	return &Peer{
		Manager:   manager,
		done:      make(chan struct{}),
		transport: transport,
		workers:   workersManager,
	}
}
