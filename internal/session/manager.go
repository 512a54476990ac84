// Package session holds the per-link sequencing state shared by the
// update manager workers.
package session

import (
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
)

// Manager owns the sequencing state of one link: the outgoing
// sequence counter, the highest sequence seen from the remote, and a
// window of recently received sequences used both to build outgoing
// ack fields and to deduplicate packets and reliable re-offers.
//
// The zero value is invalid; use [NewManager]. This struct is
// concurrency safe.
type Manager struct {
	localSequence  model.Sequence
	mu             sync.Mutex
	remoteSequence model.Sequence
	window         receiveWindow
}

// NewManager returns a [Manager] ready to be used. Sequences start at
// zero and the first call to [Manager.NextSequence] returns one, so an
// ack of zero from a peer that has not received anything yet never
// matches an assigned sequence.
func NewManager() *Manager {
	return &Manager{
		localSequence:  0,
		mu:             sync.Mutex{},
		remoteSequence: 0,
		window:         receiveWindow{},
	}
}

// NextSequence increments the local sequence counter and returns it.
func (m *Manager) NextSequence() model.Sequence {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.localSequence++
	return m.localSequence
}

// LocalSequence returns the most recently assigned local sequence.
func (m *Manager) LocalSequence() model.Sequence {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.localSequence
}

// RemoteSequence returns the newest sequence received so far, which is
// the ack value to advertise.
func (m *Manager) RemoteSequence() model.Sequence {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.remoteSequence
}

// Seen returns true when seq is in the receive window, meaning that a
// packet or reliable block with this sequence was already processed.
func (m *Manager) Seen(seq model.Sequence) bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.window.contains(seq)
}

// Register inserts seq into the receive window and advances the
// remote sequence when seq is newer than anything seen before.
func (m *Manager) Register(seq model.Sequence) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.window.insert(seq)
	if seq.After(m.remoteSequence) {
		m.remoteSequence = seq
	}
}

// AckField returns the ack value and the ack bitfield to stamp on the
// next outgoing packet: bit i is set when sequence (ack - i - 1) is in
// the receive window.
func (m *Manager) AckField() (model.Sequence, model.Bitfield64) {
	defer m.mu.Unlock()
	m.mu.Lock()
	ack := m.remoteSequence
	var field model.Bitfield64
	for i := 0; i < model.AckFieldSize; i++ {
		if m.window.contains(ack - model.Sequence(i) - 1) {
			field = field.With(i)
		}
	}
	return ack, field
}

// receiveWindow remembers recently received sequences, indexed by
// sequence modulo the window size. A newer sequence hashing to the
// same slot evicts the stale entry.
type receiveWindow struct {
	filled [model.AckFieldSize]bool
	seqs   [model.AckFieldSize]model.Sequence
}

func (w *receiveWindow) insert(seq model.Sequence) {
	slot := int(seq) % model.AckFieldSize
	w.filled[slot] = true
	w.seqs[slot] = seq
}

func (w *receiveWindow) contains(seq model.Sequence) bool {
	slot := int(seq) % model.AckFieldSize
	return w.filled[slot] && w.seqs[slot] == seq
}
