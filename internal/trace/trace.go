// Package trace implements a [model.Tracer] that collects a timeline
// of connection events which can be exported as JSON.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minilink-dev/minilink/internal/model"
)

const (
	eventStateChange = iota
	eventPacketIn
	eventPacketOut
	eventDropped
	eventConnectionDone
)

// eventType indicates which event we logged.
type eventType int

var _ fmt.Stringer = eventType(0)

// String implements fmt.Stringer
func (e eventType) String() string {
	switch e {
	case eventStateChange:
		return "state"
	case eventPacketIn:
		return "packet_in"
	case eventPacketOut:
		return "packet_out"
	case eventDropped:
		return "dropped"
	case eventConnectionDone:
		return "connection_done"
	default:
		return "unknown"
	}
}

// Event is one entry of a connection timeline.
type Event struct {
	// Operation tells which kind of event this is.
	Operation string `json:"operation"`

	// AtTime is the event time relative to the trace start, in seconds.
	AtTime float64 `json:"t"`

	// Stage is the connection stage, for state events.
	Stage string `json:"stage,omitempty"`

	// Endpoint is the remote endpoint, for connection_done events.
	Endpoint string `json:"endpoint,omitempty"`

	// Reason qualifies dropped events.
	Reason string `json:"reason,omitempty"`

	// Size is the dropped byte count, for dropped events.
	Size int `json:"size,omitempty"`

	// Packet is the packet metadata, for packet events.
	Packet *LoggedPacket `json:"packet,omitempty"`

	// TransactionID ties the event to one connection attempt.
	TransactionID string `json:"transaction_id"`
}

// LoggedPacket is the subset of packet metadata worth keeping in a
// trace.
type LoggedPacket struct {
	// Direction tells whether we sent or received the packet.
	Direction string `json:"operation"`

	// Sequenced tells whether the packet carried the update header.
	Sequenced bool `json:"sequenced"`

	// Sequence is the packet sequence, when sequenced.
	Sequence model.Sequence `json:"seq"`

	// Ack is the acknowledged remote sequence, when sequenced.
	Ack model.Sequence `json:"ack"`

	// Entries counts the plain entries.
	Entries int `json:"entries"`

	// Blocks counts the reliable blocks.
	Blocks int `json:"blocks"`

	// Tags name the protocol entries riding on the packet.
	Tags []string `json:"tags"`
}

// Tracer implements [model.Tracer].
type Tracer struct {
	// events is the collected timeline.
	events []*Event

	// mu guards access to the events.
	mu sync.Mutex

	// timeNow is overridable in tests.
	timeNow func() time.Time

	// transactionID is added to every event produced by this tracer.
	transactionID string

	// zeroTime is the time when the trace started.
	zeroTime time.Time
}

var _ model.Tracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time and a fresh
// transaction id.
func NewTracer(start time.Time) *Tracer {
	return NewTracerWithTransactionID(start, uuid.NewString())
}

// NewTracerWithTransactionID returns a Tracer with the passed start
// time and transaction id. Transaction ids exist to cross-reference
// the traces of several connection attempts collected together.
func NewTracerWithTransactionID(start time.Time, txid string) *Tracer {
	return &Tracer{
		events:        nil,
		mu:            sync.Mutex{},
		timeNow:       time.Now,
		transactionID: txid,
		zeroTime:      start,
	}
}

// TransactionID returns the transaction id of this tracer.
func (t *Tracer) TransactionID() string {
	return t.transactionID
}

// TimeNow implements model.Tracer.
func (t *Tracer) TimeNow() time.Time {
	return t.timeNow()
}

// newEvent builds an event stamped with the relative time. Callers
// hold the mutex.
func (t *Tracer) newEvent(etype eventType) *Event {
	return &Event{
		Operation:     etype.String(),
		AtTime:        t.timeNow().Sub(t.zeroTime).Seconds(),
		TransactionID: t.transactionID,
	}
}

// OnStateChange implements model.Tracer.
func (t *Tracer) OnStateChange(stage string) {
	defer t.mu.Unlock()
	t.mu.Lock()
	e := t.newEvent(eventStateChange)
	e.Stage = stage
	t.events = append(t.events, e)
}

// OnIncomingPacket implements model.Tracer.
func (t *Tracer) OnIncomingPacket(packet *model.Packet) {
	defer t.mu.Unlock()
	t.mu.Lock()
	e := t.newEvent(eventPacketIn)
	e.Packet = logPacket(packet, model.DirectionIncoming)
	t.events = append(t.events, e)
}

// OnOutgoingPacket implements model.Tracer.
func (t *Tracer) OnOutgoingPacket(packet *model.Packet) {
	defer t.mu.Unlock()
	t.mu.Lock()
	e := t.newEvent(eventPacketOut)
	e.Packet = logPacket(packet, model.DirectionOutgoing)
	t.events = append(t.events, e)
}

// OnDroppedData implements model.Tracer.
func (t *Tracer) OnDroppedData(direction model.Direction, size int, reason string) {
	defer t.mu.Unlock()
	t.mu.Lock()
	e := t.newEvent(eventDropped)
	e.Reason = reason
	e.Size = size
	e.Packet = &LoggedPacket{Direction: direction.String(), Tags: []string{}}
	t.events = append(t.events, e)
}

// OnConnectionDone implements model.Tracer.
func (t *Tracer) OnConnectionDone(endpoint string) {
	defer t.mu.Unlock()
	t.mu.Lock()
	e := t.newEvent(eventConnectionDone)
	e.Endpoint = endpoint
	t.events = append(t.events, e)
}

// Trace returns a copy of the collected timeline.
func (t *Tracer) Trace() []*Event {
	defer t.mu.Unlock()
	t.mu.Lock()
	return append([]*Event{}, t.events...)
}

// Export writes the timeline to w as an indented JSON array.
func (t *Tracer) Export(w io.Writer) error {
	events := t.Trace()
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// logPacket extracts the packet metadata worth tracing.
func logPacket(p *model.Packet, direction model.Direction) *LoggedPacket {
	logged := &LoggedPacket{
		Direction: direction.String(),
		Sequenced: p.Sequenced,
		Sequence:  p.Sequence,
		Ack:       p.Ack,
		Entries:   len(p.Entries),
		Blocks:    len(p.Blocks),
		Tags:      []string{},
	}
	for _, entry := range p.Entries {
		if entry.Type.Reserved() {
			logged.Tags = append(logged.Tags, entry.Type.String())
		}
	}
	for range p.Blocks {
		logged.Tags = append(logged.Tags, model.TypeReliableBlock.String())
	}
	return logged
}
