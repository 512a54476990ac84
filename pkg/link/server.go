package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/dtlstransport"
	"github.com/minilink-dev/minilink/internal/handshake"
	"github.com/minilink-dev/minilink/internal/ids"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/rtctransport"
	"github.com/minilink-dev/minilink/internal/storage"
	"github.com/minilink-dev/minilink/internal/update"
	"github.com/minilink-dev/minilink/internal/workers"
	"github.com/minilink-dev/minilink/pkg/config"
)

// ErrNoCertificates means the dtls backend was asked to serve without
// a certificate.
var ErrNoCertificates = errors.New("minilink: the dtls server needs a certificate")

// acceptRetryDelay spaces accept attempts after transient failures.
const acceptRetryDelay = time.Second

// eventQueueSize bounds the join/leave queue feeding the callbacks.
const eventQueueSize = 64

// acceptor abstracts where new transports come from: a DTLS listener,
// or repeated rendezvous pairings on the WebRTC backends.
type acceptor interface {
	Accept(ctx context.Context) (model.Transport, error)
	Addr() net.Addr
	Close() error
}

type dtlsAcceptor struct {
	listener *dtlstransport.Listener
}

func (a *dtlsAcceptor) Accept(ctx context.Context) (model.Transport, error) {
	transport, err := a.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return transport, nil
}

func (a *dtlsAcceptor) Addr() net.Addr {
	return a.listener.Addr()
}

func (a *dtlsAcceptor) Close() error {
	return a.listener.Close()
}

// rtcAcceptor pairs with one dialer at a time through the rendezvous
// lobby, answering rather than initiating. Canceling the accept
// context is how a pending pairing is abandoned.
type rtcAcceptor struct {
	cfg   *config.Config
	relay bool
}

func (a *rtcAcceptor) Accept(ctx context.Context) (model.Transport, error) {
	rtcCfg := rtcConfig(a.cfg, false)
	var (
		transport *rtctransport.Transport
		err       error
	)
	if a.relay {
		transport, err = rtctransport.DialRelay(ctx, rtcCfg)
	} else {
		transport, err = rtctransport.DialPunch(ctx, rtcCfg)
	}
	if err != nil {
		return nil, err
	}
	return transport, nil
}

func (a *rtcAcceptor) Addr() net.Addr {
	return nil
}

func (a *rtcAcceptor) Close() error {
	return nil
}

// serverEvent is one queued join or leave notification.
type serverEvent struct {
	err  error
	join bool
	peer *Peer
}

// Server is the serving side of a link.
//
// Join and leave callbacks run serialized on a single event
// goroutine, so the app needs no locking across them. Each admitted
// client is a [Peer] with its own engine and workers.
type Server struct {
	// acceptor produces new transports.
	acceptor acceptor

	// cancel stops the accept loop and any pending accept.
	cancel context.CancelFunc

	// cfg is the public configuration.
	cfg *config.Config

	// closeOnce makes Close idempotent.
	closeOnce sync.Once

	// closed tells emit that the event queue is gone. Guarded by mu.
	closed bool

	// clients maps client ids to admitted peers. Guarded by mu.
	clients map[uint16]*Peer

	// draining tells admit to stop registering clients. Guarded by
	// mu.
	draining bool

	// events queues join/leave notifications for the event
	// goroutine.
	events chan serverEvent

	// logger is the logger to use.
	logger model.Logger

	// modelConfig carries the server identity to every engine.
	modelConfig *model.Config

	// mu guards clients, closed, draining, onJoin and onLeave.
	mu sync.Mutex

	// onJoin and onLeave are the app callbacks, possibly nil.
	onJoin  func(peer *Peer)
	onLeave func(peer *Peer, err error)

	// policy is the admission policy behind the version gate.
	policy handshake.Policy

	// store persists the peer registry and the ban list. Nil when
	// persistence is off.
	store *storage.Store

	// throttle drops endpoints that recently failed a handshake.
	throttle *handshake.Throttle
}

// Listen starts the serving side of a link on the configured backend.
//
// On the dtls backend it binds the configured server address. On the
// relay and punch backends it joins the rendezvous lobby and admits
// one pairing at a time. Canceling the context stops accepting new
// clients; established clients live until [Server.Close].
func Listen(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	acceptor, err := newAcceptor(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	srv := &Server{
		acceptor:    acceptor,
		cancel:      cancel,
		cfg:         cfg,
		clients:     make(map[uint16]*Peer),
		events:      make(chan serverEvent, eventQueueSize),
		logger:      cfg.Logger(),
		modelConfig: cfg.ModelConfig(),
		store:       store,
		throttle:    handshake.NewThrottle(),
	}
	srv.policy = srv.admissionPolicy()
	go srv.eventLoop()
	go srv.acceptLoop(ctx)
	srv.logger.Infof("link: serving on the %s backend", cfg.Backend())
	return srv, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	if cfg.StoragePath() == "" {
		return nil, nil
	}
	return storage.Open(cfg.StoragePath())
}

func newAcceptor(cfg *config.Config) (acceptor, error) {
	switch cfg.Backend() {
	case config.BackendDTLS:
		if len(cfg.Certificates()) <= 0 {
			return nil, ErrNoCertificates
		}
		listener, err := dtlstransport.Listen(&dtlstransport.Config{
			Certificates: cfg.Certificates(),
			Logger:       cfg.Logger(),
		}, cfg.ServerAddress())
		if err != nil {
			return nil, err
		}
		return &dtlsAcceptor{listener: listener}, nil

	case config.BackendRelay:
		if len(cfg.TURNServers()) <= 0 {
			return nil, rtctransport.ErrNoTURNServers
		}
		return &rtcAcceptor{cfg: cfg, relay: true}, nil

	case config.BackendPunch:
		return &rtcAcceptor{cfg: cfg, relay: false}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend())
	}
}

// acceptLoop admits transports until the context dies or the acceptor
// is closed.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		transport, err := s.acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("link: accept loop done")
				return
			}
			if errors.Is(err, rtctransport.ErrDial) {
				// nobody showed up in this pairing window
				s.logger.Debugf("link: accept: %s", err.Error())
			} else {
				s.logger.Warnf("link: accept: %s", err.Error())
			}
			select {
			case <-time.After(acceptRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		endpoint := transport.RemoteEndpoint()
		if s.throttle.Blocked(endpoint) {
			s.logger.Infof("link: throttling %s", endpoint)
			_ = transport.Close()
			continue
		}
		go s.admit(ctx, transport)
	}
}

// admit runs the server side of the handshake for one transport and,
// on success, registers the client and queues the join notification.
func (s *Server) admit(ctx context.Context, transport model.Transport) {
	manager := update.NewManager(s.modelConfig, transport)
	workersManager := workers.NewManager(s.logger)
	peer := newPeer(manager, transport, workersManager)
	peer.onClose = func() {
		s.removeClient(peer, nil)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	manager.OnTerminal(func(err error) {
		peer.finish(err)
		_ = transport.Close()
		cancel()
	})
	manager.StartWorkers(workersManager)

	session := handshake.NewSession(s.modelConfig, manager, ids.Default,
		s.policy, transport.RemoteEndpoint())
	admitted, err := session.Run(sessionCtx)
	if err != nil {
		if errors.Is(err, handshake.ErrRejected) || errors.Is(err, handshake.ErrHandshakeTimeout) {
			s.throttle.Arm(transport.RemoteEndpoint())
		}
		manager.Stop()
		workersManager.WaitWorkersShutdown()
		_ = transport.Close()
		return
	}
	peer.addons = admitted.Info.Addons
	peer.id = admitted.ID
	peer.name = admitted.Info.Name
	peer.token = admitted.Info.Token

	if err := s.store.RegisterPeer(peer.token, peer.name); err != nil {
		s.logger.Warnf("link: register peer: %s", err.Error())
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		manager.Stop()
		workersManager.WaitWorkersShutdown()
		_ = transport.Close()
		ids.Default.Release(peer.id)
		return
	}
	s.clients[peer.id] = peer
	s.mu.Unlock()
	s.emit(serverEvent{join: true, peer: peer})

	// Unregister when the link finishes. This also covers a link that
	// died while we were registering it, since done is closed already.
	go func() {
		<-peer.done
		s.removeClient(peer, peer.Err())
	}()
}

// removeClient unregisters the peer, releases its id and queues the
// leave notification. Only the call that finds the peer registered
// does anything, so the death watcher and Close cannot race a double
// removal, nor remove a later peer reusing the same id.
func (s *Server) removeClient(peer *Peer, err error) {
	s.mu.Lock()
	current, ok := s.clients[peer.id]
	if !ok || current != peer {
		s.mu.Unlock()
		return
	}
	delete(s.clients, peer.id)
	s.mu.Unlock()
	ids.Default.Release(peer.id)
	s.logger.Infof("link: client %d (%q) left", peer.id, peer.name)
	s.emit(serverEvent{join: false, peer: peer, err: err})
}

// emit queues an event for the event goroutine, dropping it when the
// queue is full or the server already closed.
func (s *Server) emit(ev serverEvent) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debugf("link: event queue full, dropping event")
	}
}

// eventLoop serializes the join and leave callbacks on one goroutine.
func (s *Server) eventLoop() {
	for ev := range s.events {
		s.mu.Lock()
		onJoin, onLeave := s.onJoin, s.onLeave
		s.mu.Unlock()
		if ev.join {
			if onJoin != nil {
				onJoin(ev.peer)
			}
			continue
		}
		if onLeave != nil {
			onLeave(ev.peer, ev.err)
		}
	}
}

// admissionPolicy wraps the configured policy behind the protocol
// version gate, which always runs. Without a configured policy the
// default consults the ban store, failing open on lookup errors, and
// greets accepted clients with the configured motd.
func (s *Server) admissionPolicy() handshake.Policy {
	user := s.cfg.AcceptPolicy()
	return func(info *model.ClientInfo, endpoint string) handshake.Verdict {
		if info.Version != model.ProtocolVersion {
			return handshake.Verdict{
				Message: fmt.Sprintf("unsupported protocol version %d", info.Version),
			}
		}
		if user != nil {
			return user(info, endpoint)
		}
		if reason, banned, err := s.store.IsBanned(endpoint); err != nil {
			s.logger.Warnf("link: ban lookup: %s", err.Error())
		} else if banned {
			return handshake.Verdict{Message: "banned: " + reason}
		}
		return handshake.Verdict{Accept: true, Message: s.cfg.MOTD()}
	}
}

// OnJoin registers the callback invoked whenever a client registers.
// The callback runs on the server's event goroutine.
func (s *Server) OnJoin(fn func(peer *Peer)) {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.onJoin = fn
}

// OnLeave registers the callback invoked whenever a client leaves,
// with the reason, nil when the departure was deliberate. The
// callback runs on the server's event goroutine.
func (s *Server) OnLeave(fn func(peer *Peer, err error)) {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.onLeave = fn
}

// Peers returns the currently registered clients ordered by id.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	out := make([]*Peer, 0, len(s.clients))
	for _, peer := range s.clients {
		out = append(out, peer)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}

// Peer returns the registered client with the given id.
func (s *Server) Peer(id uint16) (*Peer, bool) {
	defer s.mu.Unlock()
	s.mu.Lock()
	peer, ok := s.clients[id]
	return peer, ok
}

// Addr returns the bound address on the dtls backend, nil otherwise.
func (s *Server) Addr() net.Addr {
	return s.acceptor.Addr()
}

// Store returns the peer registry and ban store, nil when persistence
// is off.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Broadcast stages payload as the latest state entry of the given
// type on every registered client.
func (s *Server) Broadcast(t model.PacketType, payload []byte) error {
	var errs []error
	for _, peer := range s.Peers() {
		if err := peer.SetData(t, payload); err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", peer.id, err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastReliable stages payload as a reliable entry on every
// registered client.
func (s *Server) BroadcastReliable(t model.PacketType, payload []byte) error {
	var errs []error
	for _, peer := range s.Peers() {
		if err := peer.SetReliableData(t, payload); err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", peer.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting, disconnects every client, resets the id
// space and closes the store. Close is idempotent, and safe to call
// from the event goroutine.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		s.cancel()
		_ = s.acceptor.Close()
		for _, peer := range s.Peers() {
			_ = peer.Close()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
		ids.Default.Reset()
		_ = s.store.Close()
		s.logger.Info("link: server closed")
	})
	return nil
}
