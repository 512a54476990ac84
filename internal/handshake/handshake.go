// Package handshake implements the connection manager: the
// ClientInfo/ServerInfo exchange riding on the chunk layer right
// after a transport comes up.
//
// The client announces its identity and addon manifest, the server
// consults an accept policy and replies with an assigned client id or
// a refusal. Both sides ride the chunk layer, so arbitrarily large
// manifests survive the MTU.
package handshake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/bytesx"
	"github.com/minilink-dev/minilink/internal/model"
)

const (
	// attemptTimeout bounds a connection attempt that never completes
	// the info exchange.
	attemptTimeout = 60 * time.Second

	// throttleWindow is how long a rejected endpoint is ignored.
	throttleWindow = 2500 * time.Millisecond
)

// ErrRejected means the server refused the connection. The refusal
// message is appended to the error text.
var ErrRejected = errors.New("minilink: connection rejected")

// ErrHandshakeTimeout means the info exchange did not complete within
// the attempt window.
var ErrHandshakeTimeout = errors.New("minilink: handshake timeout")

// State is the progress of a connection attempt.
type State int

const (
	// StateIdle means the attempt has not started.
	StateIdle = State(iota)

	// StateTransportReady means the transport is connected and the
	// info exchange is about to start.
	StateTransportReady

	// StateInfoSent means our info is queued on the chunk layer.
	StateInfoSent

	// StateHandshaking is the server-side counterpart of
	// StateInfoSent: waiting for the client's info.
	StateHandshaking

	// StateRegistered means the exchange completed and the peer is
	// admitted.
	StateRegistered

	// StateRejected means the server refused the connection.
	StateRejected

	// StateTimedOut means the attempt window elapsed.
	StateTimedOut
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransportReady:
		return "transport_ready"
	case StateInfoSent:
		return "info_sent"
	case StateHandshaking:
		return "handshaking"
	case StateRegistered:
		return "registered"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// stateTracker tracks the progress of one side of the handshake and
// mirrors every transition to the logger and the tracer.
type stateTracker struct {
	config *model.Config
	mu     sync.Mutex
	role   string
	state  State
}

func newStateTracker(config *model.Config, role string) *stateTracker {
	return &stateTracker{
		config: config,
		mu:     sync.Mutex{},
		role:   role,
		state:  StateIdle,
	}
}

func (t *stateTracker) moveTo(state State) {
	t.mu.Lock()
	old := t.state
	t.state = state
	t.mu.Unlock()
	t.config.Logger().Infof("handshake: %s state: %s -> %s", t.role, old, state)
	t.config.Tracer().OnStateChange(state.String())
}

func (t *stateTracker) current() State {
	defer t.mu.Unlock()
	t.mu.Lock()
	return t.state
}

// parseClientInfoChunk parses a chunk expected to carry a ClientInfo.
func parseClientInfoChunk(data []byte) (*model.ClientInfo, error) {
	view := bytesx.NewBufferView(data)
	kind, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrParsePacket, err)
	}
	if model.ChunkKind(kind) != model.ChunkKindClientInfo {
		return nil, fmt.Errorf("%w: unexpected chunk kind %s",
			model.ErrParsePacket, model.ChunkKind(kind))
	}
	return model.ParseClientInfo(view)
}

// parseServerInfoChunk parses a chunk expected to carry a ServerInfo.
func parseServerInfoChunk(data []byte) (*model.ServerInfo, error) {
	view := bytesx.NewBufferView(data)
	kind, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrParsePacket, err)
	}
	if model.ChunkKind(kind) != model.ChunkKindServerInfo {
		return nil, fmt.Errorf("%w: unexpected chunk kind %s",
			model.ErrParsePacket, model.ChunkKind(kind))
	}
	return model.ParseServerInfo(view)
}
