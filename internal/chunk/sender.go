package chunk

import (
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/runtimex"
)

// outgoingChunk is a queued chunk and its delivery state.
type outgoingChunk struct {
	acked      []bool
	ackedCount int
	cursor     int
	done       chan struct{}
	id         uint8
	slices     [][]byte
}

// Sender queues chunks and feeds their slices to the update manager a
// few per tick. One chunk is in transit at a time; the others wait in
// submission order.
//
// The zero value is invalid; use [NewSender]. This struct is
// concurrency safe.
type Sender struct {
	active *outgoingChunk
	logger model.Logger
	mu     sync.Mutex
	nextID uint8
	queue  []*outgoingChunk
}

// NewSender returns a [Sender] ready to be used.
func NewSender(logger model.Logger) *Sender {
	return &Sender{
		active: nil,
		logger: logger,
		mu:     sync.Mutex{},
		nextID: 0,
		queue:  []*outgoingChunk{},
	}
}

// Send queues data for transfer. The returned channel is closed once
// every slice of this chunk has been acked by the remote; it never
// closes when the link dies first, so callers should also watch their
// own timeout. Data larger than [MaxChunkSize] is rejected upfront
// with [ErrChunkTooLarge].
func (s *Sender) Send(data []byte) (<-chan struct{}, error) {
	if len(data) > MaxChunkSize {
		return nil, ErrChunkTooLarge
	}
	defer s.mu.Unlock()
	s.mu.Lock()

	chunk := &outgoingChunk{
		done: make(chan struct{}),
		id:   s.nextID,
	}
	s.nextID++
	for off := 0; off < len(data); off += MaxSliceSize {
		end := off + MaxSliceSize
		if end > len(data) {
			end = len(data)
		}
		piece := make([]byte, end-off)
		copy(piece, data[off:end])
		chunk.slices = append(chunk.slices, piece)
	}
	// an empty chunk still needs one slice to complete the
	// ack round trip
	if len(chunk.slices) == 0 {
		chunk.slices = [][]byte{{}}
	}
	chunk.acked = make([]bool, len(chunk.slices))

	if s.active == nil {
		s.active = chunk
	} else {
		s.queue = append(s.queue, chunk)
	}
	s.logger.Debugf("chunk: queued chunk %d with %d slices", chunk.id, len(chunk.slices))
	return chunk.done, nil
}

// NextSlices returns the wire payloads of up to max unacked slices of
// the chunk in transit, round robin so retransmissions rotate through
// the whole chunk. It returns nil when nothing is in transit.
func (s *Sender) NextSlices(max int) [][]byte {
	defer s.mu.Unlock()
	s.mu.Lock()
	chunk := s.active
	if chunk == nil {
		return nil
	}
	var payloads [][]byte
	total := len(chunk.slices)
	for scanned := 0; scanned < total && len(payloads) < max; scanned++ {
		idx := chunk.cursor
		chunk.cursor = (chunk.cursor + 1) % total
		if chunk.acked[idx] {
			continue
		}
		slice := &Slice{
			ChunkID:   chunk.id,
			SliceID:   uint8(idx),
			NumSlices: uint16(total),
			Data:      chunk.slices[idx],
		}
		payload, err := slice.Encode()
		runtimex.PanicOnError(err, "chunk: encode slice")
		payloads = append(payloads, payload)
	}
	return payloads
}

// OnAck folds a cumulative slice ack into the chunk in transit. Acks
// for other chunk ids are stale and ignored. When the bitmap
// completes, the chunk's done channel closes and the next queued
// chunk goes in transit.
func (s *Sender) OnAck(ack *SliceAck) {
	defer s.mu.Unlock()
	s.mu.Lock()
	chunk := s.active
	if chunk == nil || ack.ChunkID != chunk.id {
		return
	}
	if int(ack.NumSlices) != len(chunk.slices) {
		s.logger.Warnf("chunk: ack with %d slices for chunk %d with %d", ack.NumSlices, chunk.id, len(chunk.slices))
		return
	}
	for i := 0; i < len(chunk.slices); i++ {
		if ack.Has(i) && !chunk.acked[i] {
			chunk.acked[i] = true
			chunk.ackedCount++
		}
	}
	if chunk.ackedCount < len(chunk.slices) {
		return
	}
	s.logger.Debugf("chunk: chunk %d fully acked", chunk.id)
	close(chunk.done)
	if len(s.queue) > 0 {
		s.active = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		s.active = nil
	}
}

// Pending returns how many chunks are in transit or queued.
func (s *Sender) Pending() int {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.active == nil {
		return 0
	}
	return 1 + len(s.queue)
}

// Reset drops the chunk in transit and the queue. Abandoned done
// channels never close.
func (s *Sender) Reset() {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.active = nil
	s.queue = []*outgoingChunk{}
}
