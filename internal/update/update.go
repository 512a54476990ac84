// Package update implements the per-connection send and receive
// engine: a paced send worker assembling and transmitting one update
// packet per tick, and a receive worker dispatching inbound payloads
// to registered handlers.
//
// The engine layers sequencing, acknowledgements, reliability and
// pacing on top of a [model.Transport] according to the capability
// flags the transport declares. Round-trip tracking always runs; the
// reliability service additionally needs the sequencing header, so it
// only runs on transports requiring both.
package update

import (
	"errors"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/chunk"
	"github.com/minilink-dev/minilink/internal/congestion"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/networkio"
	"github.com/minilink-dev/minilink/internal/reliability"
	"github.com/minilink-dev/minilink/internal/rtt"
	"github.com/minilink-dev/minilink/internal/runtimex"
	"github.com/minilink-dev/minilink/internal/session"
	"github.com/minilink-dev/minilink/internal/workers"
)

// ErrConnectionTimeout means that nothing was received from the remote
// within the liveness window and the connection was torn down.
var ErrConnectionTimeout = errors.New("minilink: connection timeout")

// ErrReservedType means that a producer used a packet type id reserved
// for the protocol.
var ErrReservedType = errors.New("minilink: reserved packet type")

// ErrUnknownAddon means that a producer used an addon id that is not
// part of the configured addon manifest.
var ErrUnknownAddon = errors.New("minilink: unknown addon id")

// ErrDuplicateHandler means that a handler is already registered for
// the packet type.
var ErrDuplicateHandler = errors.New("minilink: handler already registered")

// ErrNoSuchHandler means that no handler is registered for the packet
// type.
var ErrNoSuchHandler = errors.New("minilink: no such handler")

// ErrTooManyEntries means that the staged reliable entries already
// fill the block riding the next packet.
var ErrTooManyEntries = errors.New("minilink: too many reliable entries")

// Manager is the send/receive engine for one connection.
//
// The zero value is invalid; use [NewManager], then register handlers
// and callbacks, then call [Manager.StartWorkers]. The producer API
// and the accessors are safe for concurrent use.
type Manager struct {
	// chunkReceiver reassembles inbound chunk slices.
	chunkReceiver *chunk.Receiver

	// chunkSender slices and paces outbound chunks.
	chunkSender *chunk.Sender

	// config carries the logger, the tracer and the addon manifest.
	config *model.Config

	// congestion chooses the send interval.
	congestion *congestion.Manager

	// decoder reassembles frames out of inbound datagrams. Owned by
	// the receive worker.
	decoder networkio.FrameDecoder

	// handlers is the inbound dispatch registry.
	handlers *registry

	// incoming moves datagrams from the transport callback to the
	// receive worker.
	incoming chan []byte

	// lastInbound is when we last received anything.
	lastInbound time.Time

	// lastSent is the sequence of the most recently sent packet,
	// implicitly acknowledged by any inbound data on transports
	// without the sequencing header.
	lastSent model.Sequence

	// logger logs engine events.
	logger model.Logger

	// mu guards outgoing, lastInbound and lastSent. Serialization and
	// transport writes happen outside of it.
	mu sync.Mutex

	// outgoing accumulates producer data for the next packet.
	outgoing *outgoingState

	// reliability tracks reliable blocks awaiting acknowledgement.
	reliability *reliability.Manager

	// rtt tracks round-trip statistics.
	rtt *rtt.Tracker

	// sequenced tells whether packets carry the sequencing header.
	sequenced bool

	// session owns the sequence counters and the receive window.
	session *session.Manager

	// terminal is invoked at most once when the connection dies on
	// its own, with the reason.
	terminal func(err error)

	// terminalOnce ensures we invoke terminal at most once.
	terminalOnce sync.Once

	// timeNow is overridable for testing.
	timeNow func() time.Time

	// trackReliability tells whether the reliability service runs.
	trackReliability bool

	// transport is the backend moving our datagrams.
	transport model.Transport

	// workersManager controls the workers lifecycle.
	workersManager *workers.Manager
}

// NewManager creates a [Manager] for the given transport. The
// capability flags are consulted once, here.
func NewManager(config *model.Config, transport model.Transport) *Manager {
	logger := config.Logger()
	sequenced := transport.RequiresSequencing()
	return &Manager{
		chunkReceiver:    chunk.NewReceiver(logger),
		chunkSender:      chunk.NewSender(logger),
		config:           config,
		congestion:       congestion.NewManager(logger, !transport.RequiresCongestionControl()),
		decoder:          networkio.FrameDecoder{},
		handlers:         newRegistry(),
		incoming:         make(chan []byte, incomingQueueSize),
		lastInbound:      time.Time{},
		lastSent:         0,
		logger:           logger,
		mu:               sync.Mutex{},
		outgoing:         newOutgoingState(),
		reliability:      reliability.NewManager(),
		rtt:              rtt.NewTracker(),
		sequenced:        sequenced,
		session:          session.NewManager(),
		terminal:         nil,
		terminalOnce:     sync.Once{},
		timeNow:          time.Now,
		trackReliability: sequenced && transport.RequiresReliability(),
		transport:        transport,
		workersManager:   nil,
	}
}

// OnTerminal registers the callback invoked when the connection dies
// on its own, for example on [ErrConnectionTimeout]. Must be called
// before [Manager.StartWorkers]. A deliberate [Manager.Stop]
// suppresses the callback.
func (m *Manager) OnTerminal(fn func(err error)) {
	m.terminal = fn
}

// StartWorkers registers the transport receive callback and starts
// the send and receive workers.
func (m *Manager) StartWorkers(workersManager *workers.Manager) {
	m.workersManager = workersManager
	m.mu.Lock()
	m.lastInbound = m.timeNow()
	m.mu.Unlock()
	m.transport.OnReceive(func(data []byte) {
		copied := append([]byte{}, data...)
		select {
		case m.incoming <- copied:
		default:
			m.logger.Debugf("update: incoming queue full, dropping %d bytes", len(data))
			m.config.Tracer().OnDroppedData(model.DirectionIncoming, len(data), "queue full")
		}
	})
	workersManager.StartWorker(m.sendWorker)
	workersManager.StartWorker(m.receiveWorker)
}

// Stop sends one last best-effort update, suppresses the terminal
// callback, and starts the shutdown of the workers. Must be called
// after [Manager.StartWorkers].
func (m *Manager) Stop() {
	runtimex.Assert(m.workersManager != nil, "update: Stop before StartWorkers")
	m.terminalOnce.Do(func() {})
	_ = m.sendUpdate()
	m.workersManager.StartShutdown()
}

// SendChunk queues data on the chunk layer. The returned channel is
// closed once the remote acknowledged the whole chunk. It never
// closes when the connection dies first, so callers should also watch
// [Manager.OnTerminal] or their own timeout.
func (m *Manager) SendChunk(data []byte) (<-chan struct{}, error) {
	return m.chunkSender.Send(data)
}

// RTTStats returns the round-trip statistics gathered so far.
func (m *Manager) RTTStats() rtt.Statistics {
	return m.rtt.Stats()
}

// CongestionTier returns the current pacing tier.
func (m *Manager) CongestionTier() congestion.Tier {
	return m.congestion.Tier()
}

// notifyTerminal invokes the terminal callback, at most once.
func (m *Manager) notifyTerminal(err error) {
	m.terminalOnce.Do(func() {
		if m.terminal != nil {
			m.terminal(err)
		}
	})
}

// touchInbound notes that the remote is alive.
func (m *Manager) touchInbound() {
	m.mu.Lock()
	m.lastInbound = m.timeNow()
	m.mu.Unlock()
	m.congestion.OnInbound()
}

// sinceInbound returns how long the remote has been silent.
func (m *Manager) sinceInbound() time.Duration {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.timeNow().Sub(m.lastInbound)
}
