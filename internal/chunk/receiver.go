package chunk

import (
	"sync"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/optional"
	"github.com/minilink-dev/minilink/internal/runtimex"
)

// incomingChunk is a partially reassembled chunk.
type incomingChunk struct {
	data      [][]byte
	got       []bool
	numSlices uint16
	received  int
}

// completedChunk remembers the most recently delivered chunk so that
// late duplicate slices still get a full ack without a second
// delivery.
type completedChunk struct {
	id        uint8
	numSlices uint16
}

// Receiver reassembles chunks from slices arriving out of order and
// possibly duplicated. Every slice is answered with the cumulative
// bitmap ack for its chunk; a chunk is delivered exactly once, when
// the last missing slice arrives.
//
// The zero value is invalid; use [NewReceiver]. This struct is
// concurrency safe.
type Receiver struct {
	lastDone optional.Value[completedChunk]
	logger   model.Logger
	mu       sync.Mutex
	pending  map[uint8]*incomingChunk
}

// NewReceiver returns a [Receiver] ready to be used.
func NewReceiver(logger model.Logger) *Receiver {
	return &Receiver{
		lastDone: optional.None[completedChunk](),
		logger:   logger,
		mu:       sync.Mutex{},
		pending:  make(map[uint8]*incomingChunk),
	}
}

// OnSlice folds one slice into the chunk being reassembled. It
// returns the ack to send back, or nil when the slice is invalid and
// must be ignored, and the reassembled chunk when this slice was the
// last missing one.
func (r *Receiver) OnSlice(slice *Slice) (*SliceAck, []byte) {
	defer r.mu.Unlock()
	r.mu.Lock()

	if slice.NumSlices == 0 || int(slice.NumSlices) > MaxSlices {
		r.logger.Warnf("chunk: slice with %d total slices", slice.NumSlices)
		return nil, nil
	}
	if int(slice.SliceID) >= int(slice.NumSlices) {
		r.logger.Warnf("chunk: slice %d out of %d", slice.SliceID, slice.NumSlices)
		return nil, nil
	}
	if len(slice.Data) > MaxSliceSize {
		r.logger.Warnf("chunk: slice of %d bytes", len(slice.Data))
		return nil, nil
	}

	// duplicates of a chunk already delivered get the full bitmap
	// so the sender can finish, but no second delivery
	if !r.lastDone.IsNone() {
		done := r.lastDone.Unwrap()
		if done.id == slice.ChunkID && done.numSlices == slice.NumSlices {
			return fullAck(slice.ChunkID, slice.NumSlices), nil
		}
	}

	chunk, found := r.pending[slice.ChunkID]
	if !found {
		chunk = &incomingChunk{
			data:      make([][]byte, slice.NumSlices),
			got:       make([]bool, slice.NumSlices),
			numSlices: slice.NumSlices,
		}
		r.pending[slice.ChunkID] = chunk
	}
	if chunk.numSlices != slice.NumSlices {
		r.logger.Warnf("chunk: slice count changed from %d to %d for chunk %d", chunk.numSlices, slice.NumSlices, slice.ChunkID)
		return nil, nil
	}

	if !chunk.got[slice.SliceID] {
		piece := make([]byte, len(slice.Data))
		copy(piece, slice.Data)
		chunk.data[slice.SliceID] = piece
		chunk.got[slice.SliceID] = true
		chunk.received++
	}

	ack := &SliceAck{
		ChunkID:   slice.ChunkID,
		NumSlices: chunk.numSlices,
		Acked:     bitmapOf(chunk.got),
	}
	if chunk.received < int(chunk.numSlices) {
		return ack, nil
	}

	var assembled []byte
	for _, piece := range chunk.data {
		assembled = append(assembled, piece...)
	}
	if assembled == nil {
		assembled = []byte{}
	}
	delete(r.pending, slice.ChunkID)
	r.lastDone = optional.Some(completedChunk{
		id:        slice.ChunkID,
		numSlices: slice.NumSlices,
	})
	r.logger.Debugf("chunk: chunk %d complete, %d bytes", slice.ChunkID, len(assembled))
	return ack, assembled
}

// Reset drops every partially reassembled chunk and the memory of the
// last delivered one. Used when the link reconnects, where stale
// chunk ids would otherwise collide with the new session's.
func (r *Receiver) Reset() {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.pending = make(map[uint8]*incomingChunk)
	r.lastDone = optional.None[completedChunk]()
}

// bitmapOf packs the received flags into a bitmap.
func bitmapOf(got []bool) []byte {
	runtimex.Assert(len(got) <= MaxSlices, "chunk: bitmap too wide")
	bitmap := make([]byte, (len(got)+7)/8)
	for i, have := range got {
		if have {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	return bitmap
}

// fullAck builds the everything-received ack for a chunk.
func fullAck(chunkID uint8, numSlices uint16) *SliceAck {
	got := make([]bool, numSlices)
	for i := range got {
		got[i] = true
	}
	return &SliceAck{
		ChunkID:   chunkID,
		NumSlices: numSlices,
		Acked:     bitmapOf(got),
	}
}
