package handshake

//
// Server side
//
// Waiting for a ClientInfo, consulting the accept policy, replying
// with a ServerInfo, and throttling rejected endpoints.
//

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/ids"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/update"
)

// Verdict is the accept policy's decision about one client.
type Verdict struct {
	// Accept tells whether to admit the client.
	Accept bool

	// Message is the rejection reason when Accept is false and the
	// message of the day otherwise.
	Message string
}

// Policy decides whether to admit a client. It runs on the session
// goroutine and must not block for long.
type Policy func(info *model.ClientInfo, endpoint string) Verdict

// AcceptAll is a [Policy] admitting everyone.
func AcceptAll(info *model.ClientInfo, endpoint string) Verdict {
	return Verdict{Accept: true}
}

// Peer describes an admitted client.
type Peer struct {
	// ID is the assigned client id.
	ID uint16

	// Info is the client's announced info.
	Info *model.ClientInfo
}

// Session negotiates the server side of the handshake for one
// connection.
type Session struct {
	// allocator hands out client ids.
	allocator *ids.Allocator

	// config carries the server identity and addon manifest.
	config *model.Config

	// endpoint is the remote endpoint. Empty on backends without one.
	endpoint string

	// logger is the logger to use.
	logger model.Logger

	// manager is the engine the exchange rides on.
	manager *update.Manager

	// policy decides admission.
	policy Policy

	// timeout bounds the attempt. Settable in tests.
	timeout time.Duration

	// tracker tracks the attempt progress.
	tracker *stateTracker
}

// NewSession creates a server-side handshake session. The manager's
// workers must be running before [Session.Run] is invoked.
func NewSession(config *model.Config, manager *update.Manager,
	allocator *ids.Allocator, policy Policy, endpoint string) *Session {
	if policy == nil {
		policy = AcceptAll
	}
	return &Session{
		allocator: allocator,
		config:    config,
		endpoint:  endpoint,
		logger:    config.Logger(),
		manager:   manager,
		policy:    policy,
		timeout:   attemptTimeout,
		tracker:   newStateTracker(config, "server"),
	}
}

// State returns the attempt progress.
func (s *Session) State() State {
	return s.tracker.current()
}

// Run waits for the client's info, consults the policy and replies.
// On acceptance it returns the admitted peer only after the client
// acknowledged the whole ServerInfo chunk, so the caller never
// announces a peer that could still miss its own id. A refusal is
// also fully drained before Run fails with [ErrRejected], so the
// client learns why before the caller disconnects it.
//
// Run owns the manager's chunk handler slot while it executes.
func (s *Session) Run(ctx context.Context) (*Peer, error) {
	s.tracker.moveTo(StateHandshaking)

	infos := make(chan *model.ClientInfo, 1)
	s.manager.RegisterChunkHandler(func(data []byte) {
		info, err := parseClientInfoChunk(data)
		if err != nil {
			s.logger.Warnf("handshake: ignoring chunk: %s", err.Error())
			return
		}
		select {
		case infos <- info:
		default:
		}
	})

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	// POSSIBLY BLOCK waiting for the client's info
	var clientInfo *model.ClientInfo
	select {
	case clientInfo = <-infos:
	case <-timer.C:
		s.tracker.moveTo(StateTimedOut)
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.logger.Infof("handshake: client info: name=%s version=%d addons=%d",
		clientInfo.Name, clientInfo.Version, len(clientInfo.Addons))

	verdict := s.policy(clientInfo, s.endpoint)
	if !verdict.Accept {
		return nil, s.reject(ctx, timer, verdict.Message)
	}

	clientID, err := s.allocator.Allocate()
	if err != nil {
		return nil, s.reject(ctx, timer, "server full")
	}

	reply := &model.ServerInfo{
		Accepted: true,
		Message:  verdict.Message,
		ClientID: clientID,
		Name:     s.config.Name(),
		Addons:   s.config.Addons(),
	}
	if err := s.sendAndDrain(ctx, timer, reply); err != nil {
		s.allocator.Release(clientID)
		return nil, err
	}

	s.tracker.moveTo(StateRegistered)
	s.logger.Infof("handshake: registered %s as client %d", clientInfo.Name, clientID)
	s.config.Tracer().OnConnectionDone(s.endpoint)
	return &Peer{ID: clientID, Info: clientInfo}, nil
}

// reject sends the refusal and waits for it to drain before reporting
// [ErrRejected].
func (s *Session) reject(ctx context.Context, timer *time.Timer, message string) error {
	reply := &model.ServerInfo{
		Accepted: false,
		Message:  message,
	}
	if err := s.sendAndDrain(ctx, timer, reply); err != nil {
		return err
	}
	s.tracker.moveTo(StateRejected)
	return fmt.Errorf("%w: %s", ErrRejected, message)
}

// sendAndDrain queues the reply on the chunk layer and waits until the
// client acknowledged all of it.
func (s *Session) sendAndDrain(ctx context.Context, timer *time.Timer, reply *model.ServerInfo) error {
	payload, err := reply.Encode()
	if err != nil {
		return err
	}
	done, err := s.manager.SendChunk(payload)
	if err != nil {
		return err
	}
	// POSSIBLY BLOCK waiting for the reply to drain
	select {
	case <-done:
		return nil
	case <-timer.C:
		s.tracker.moveTo(StateTimedOut)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Throttle rate-limits reconnect attempts from recently rejected
// endpoints.
type Throttle struct {
	// mu guards until.
	mu sync.Mutex

	// timeNow is overridable in tests.
	timeNow func() time.Time

	// until maps an endpoint to the end of its quiet window.
	until map[string]time.Time
}

// NewThrottle creates an empty throttle.
func NewThrottle() *Throttle {
	return &Throttle{
		mu:      sync.Mutex{},
		timeNow: time.Now,
		until:   make(map[string]time.Time),
	}
}

// Arm starts the quiet window for an endpoint. Backends without a
// stable endpoint report an empty string, which is never throttled.
func (t *Throttle) Arm(endpoint string) {
	if endpoint == "" {
		return
	}
	defer t.mu.Unlock()
	t.mu.Lock()
	t.until[endpoint] = t.timeNow().Add(throttleWindow)
}

// Blocked tells whether an endpoint is inside its quiet window.
// Expired windows are pruned as a side effect.
func (t *Throttle) Blocked(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	defer t.mu.Unlock()
	t.mu.Lock()
	deadline, found := t.until[endpoint]
	if !found {
		return false
	}
	if t.timeNow().After(deadline) {
		delete(t.until, endpoint)
		return false
	}
	return true
}
