// Package reliability tracks reliable blocks in flight and decides
// when a lost packet's blocks must ride an outgoing packet again.
//
// A reliable block keeps the sequence of the packet that carried it
// first, whatever packet it rides later: the receiver uses that origin
// to process each block exactly once.
package reliability

import (
	"sort"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
)

// inFlightEntry tracks the reliable blocks one packet carried.
type inFlightEntry struct {
	blocks []*model.ReliableBlock
	sentAt time.Time
	seq    model.Sequence
}

// Manager tracks, per sent sequence, the reliable blocks that packet
// carried. Acks drop the tracking entry; a periodic sweep declares
// unacked entries lost and hands their blocks back for re-offer.
//
// The zero value is invalid; use [NewManager]. This struct is
// concurrency safe.
type Manager struct {
	mu      sync.Mutex
	timeNow func() time.Time
	tracked map[model.Sequence]*inFlightEntry
}

// NewManager returns a [Manager] ready to be used.
func NewManager() *Manager {
	return &Manager{
		mu:      sync.Mutex{},
		timeNow: time.Now,
		tracked: make(map[model.Sequence]*inFlightEntry),
	}
}

// OnSent records that the packet with the given sequence carried the
// given reliable blocks. Packets without blocks are not tracked.
func (m *Manager) OnSent(seq model.Sequence, blocks []*model.ReliableBlock) {
	if len(blocks) == 0 {
		return
	}
	defer m.mu.Unlock()
	m.mu.Lock()
	m.tracked[seq] = &inFlightEntry{
		blocks: blocks,
		sentAt: m.timeNow(),
		seq:    seq,
	}
}

// OnAcked drops the tracking entry for an acked sequence. It returns
// false when the sequence was not tracked, which is the common case
// since most packets carry no reliable blocks.
func (m *Manager) OnAcked(seq model.Sequence) bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	if _, found := m.tracked[seq]; !found {
		return false
	}
	delete(m.tracked, seq)
	return true
}

// CollectLost removes every entry older than maxAge and returns its
// blocks, oldest first, so the caller can merge them into the outgoing
// packet and track them again under the new carrying sequence.
func (m *Manager) CollectLost(maxAge time.Duration) []*model.ReliableBlock {
	defer m.mu.Unlock()
	m.mu.Lock()
	now := m.timeNow()
	var lost []*inFlightEntry
	for seq, entry := range m.tracked {
		if now.Sub(entry.sentAt) > maxAge {
			lost = append(lost, entry)
			delete(m.tracked, seq)
		}
	}
	sort.Slice(lost, func(i, j int) bool {
		if !lost[i].sentAt.Equal(lost[j].sentAt) {
			return lost[i].sentAt.Before(lost[j].sentAt)
		}
		return lost[i].seq.Before(lost[j].seq)
	})
	var blocks []*model.ReliableBlock
	for _, entry := range lost {
		blocks = append(blocks, entry.blocks...)
	}
	return blocks
}

// Outstanding returns the number of sequences still tracked.
func (m *Manager) Outstanding() int {
	defer m.mu.Unlock()
	m.mu.Lock()
	return len(m.tracked)
}
