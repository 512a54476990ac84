package model

//
// Tracer
//
// Observing connection attempts.
//

import "time"

// Direction tells whether a packet is moving towards us or away from us.
type Direction int

const (
	// DirectionIncoming marks a packet received from the remote.
	DirectionIncoming = Direction(iota)

	// DirectionOutgoing marks a packet sent to the remote.
	DirectionOutgoing
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "recv"
	case DirectionOutgoing:
		return "send"
	default:
		return "undefined"
	}
}

// Tracer collects events for a connection attempt. A Tracer can be
// optionally passed to the top-level constructors and is propagated to
// any layer that needs to register an event.
type Tracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStateChange is called for each transition of a connection
	// state machine.
	OnStateChange(stage string)

	// OnIncomingPacket is called when an update packet is received.
	OnIncomingPacket(packet *Packet)

	// OnOutgoingPacket is called when an update packet is about to be sent.
	OnOutgoingPacket(packet *Packet)

	// OnDroppedData is called whenever data is dropped (in/out).
	OnDroppedData(direction Direction, size int, reason string)

	// OnConnectionDone is called when a connection attempt reached
	// the registered state.
	OnConnectionDone(endpoint string)
}

// dummyTracer is a no-op [Tracer].
type dummyTracer struct{}

var _ Tracer = &dummyTracer{}

// TimeNow implements Tracer.
func (dummyTracer) TimeNow() time.Time { return time.Now() }

// OnStateChange implements Tracer.
func (dummyTracer) OnStateChange(stage string) {}

// OnIncomingPacket implements Tracer.
func (dummyTracer) OnIncomingPacket(packet *Packet) {}

// OnOutgoingPacket implements Tracer.
func (dummyTracer) OnOutgoingPacket(packet *Packet) {}

// OnDroppedData implements Tracer.
func (dummyTracer) OnDroppedData(direction Direction, size int, reason string) {}

// OnConnectionDone implements Tracer.
func (dummyTracer) OnConnectionDone(endpoint string) {}
