package model

//
// Transport
//
// The backend abstraction every link runs over.
//

// Transport is a point-to-point datagram backend. Implementations
// move opaque byte payloads between exactly two endpoints and declare,
// through the Requires accessors, which protocol services the engine
// must layer on top and which ones the backend already provides.
//
// The engine consults the three capability accessors once, at
// connection setup. Round-trip tracking always runs regardless of
// their values.
type Transport interface {
	// Send transmits one datagram-shaped payload. Sends may be
	// silently dropped by the network or, under backpressure, by the
	// backend itself.
	Send(data []byte) error

	// SendReliable transmits one payload over the backend's native
	// reliable path. Backends without one fall back to Send.
	SendReliable(data []byte) error

	// OnReceive registers the single consumer invoked for every
	// payload received from the remote. Implementations invoke the
	// callback from one backend-owned goroutine.
	OnReceive(fn func(data []byte))

	// RequiresSequencing tells whether the engine must stamp and
	// track sequence headers on this backend.
	RequiresSequencing() bool

	// RequiresReliability tells whether the engine must provide
	// per-payload reliability on this backend.
	RequiresReliability() bool

	// RequiresCongestionControl tells whether the engine must pace
	// sends on this backend.
	RequiresCongestionControl() bool

	// RemoteEndpoint returns a stable address for the remote, or the
	// empty string when the backend has no meaningful one.
	RemoteEndpoint() string

	// Close tears the backend down. Close is idempotent.
	Close() error
}
