package dtlstransport

import "github.com/minilink-dev/minilink/internal/model"

// dialState is the state of one dial attempt.
type dialState int

const (
	stateIdle = dialState(iota)
	stateSocketBound
	stateHandshaking
	stateConnected
	stateFailed
	stateTimedOut
)

// String implements fmt.Stringer.
func (s dialState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSocketBound:
		return "socket_bound"
	case stateHandshaking:
		return "handshaking"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	case stateTimedOut:
		return "timed_out"
	default:
		return "invalid"
	}
}

// stateTracker logs the transitions of one dial attempt.
type stateTracker struct {
	logger model.Logger
	state  dialState
}

func (t *stateTracker) moveTo(next dialState) {
	t.logger.Debugf("dtls: client state: %s -> %s", t.state, next)
	t.state = next
}
