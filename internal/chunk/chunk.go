// Package chunk moves payloads too large for a single update packet.
//
// A chunk is split into up to 256 slices of up to 1024 bytes. Slices
// ride ordinary update packets a few at a time and the receiver
// answers each one with a cumulative bitmap ack, so chunk transfer
// needs no help from the reliability manager: the sender keeps
// re-offering unacked slices every tick until the bitmap fills up.
package chunk

import (
	"errors"
	"fmt"

	"github.com/minilink-dev/minilink/internal/bytesx"
	"github.com/minilink-dev/minilink/internal/model"
)

const (
	// MaxSliceSize is the maximum payload of a single slice.
	MaxSliceSize = 1024

	// MaxSlices is the maximum number of slices of a chunk.
	MaxSlices = 256

	// MaxChunkSize is the maximum size of a whole chunk.
	MaxChunkSize = MaxSliceSize * MaxSlices

	// SliceBatch is how many unacked slices ride each outgoing
	// packet.
	SliceBatch = 4
)

// ErrChunkTooLarge means a chunk exceeds [MaxChunkSize].
var ErrChunkTooLarge = errors.New("minilink: chunk too large")

// Slice is one piece of a chunk in transit.
type Slice struct {
	// ChunkID identifies the chunk this slice belongs to.
	ChunkID uint8

	// SliceID is the position of this slice inside the chunk.
	SliceID uint8

	// NumSlices is the total number of slices of the chunk.
	NumSlices uint16

	// Data is the slice payload.
	Data []byte
}

// Encode serializes the slice as an update packet entry payload.
func (s *Slice) Encode() ([]byte, error) {
	buf := bytesx.NewBuffer()
	buf.WriteUint8(s.ChunkID)
	buf.WriteUint8(s.SliceID)
	buf.WriteUint16(s.NumSlices)
	buf.WriteBytes(s.Data)
	return buf.Finish()
}

// ParseSlice parses a slice from an entry payload.
func ParseSlice(payload []byte) (*Slice, error) {
	view := bytesx.NewBufferView(payload)
	chunkID, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: bad chunk id: %s", model.ErrParsePacket, err)
	}
	sliceID, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: bad slice id: %s", model.ErrParsePacket, err)
	}
	numSlices, err := view.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: bad slice count: %s", model.ErrParsePacket, err)
	}
	data := view.ReadRemaining()
	return &Slice{
		ChunkID:   chunkID,
		SliceID:   sliceID,
		NumSlices: numSlices,
		Data:      data,
	}, nil
}

// SliceAck is the cumulative receipt bitmap for one chunk.
type SliceAck struct {
	// ChunkID identifies the chunk being acked.
	ChunkID uint8

	// NumSlices is the total number of slices of the chunk.
	NumSlices uint16

	// Acked holds one bit per slice, strictly ceil(NumSlices/8)
	// bytes, bit i of byte i/8 meaning slice i arrived.
	Acked []byte
}

// Has returns true when the bit for the given slice is set.
func (a *SliceAck) Has(slice int) bool {
	if slice < 0 || slice >= int(a.NumSlices) {
		return false
	}
	return a.Acked[slice/8]&(1<<(slice%8)) != 0
}

// Encode serializes the slice ack as an update packet entry payload.
func (a *SliceAck) Encode() ([]byte, error) {
	buf := bytesx.NewBuffer()
	buf.WriteUint8(a.ChunkID)
	buf.WriteUint16(a.NumSlices)
	buf.WriteBytes(a.Acked)
	return buf.Finish()
}

// ParseSliceAck parses a slice ack from an entry payload.
func ParseSliceAck(payload []byte) (*SliceAck, error) {
	view := bytesx.NewBufferView(payload)
	chunkID, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: bad chunk id: %s", model.ErrParsePacket, err)
	}
	numSlices, err := view.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: bad slice count: %s", model.ErrParsePacket, err)
	}
	acked, err := view.ReadBytes(bitmapSize(numSlices))
	if err != nil {
		return nil, fmt.Errorf("%w: bad ack bitmap: %s", model.ErrParsePacket, err)
	}
	return &SliceAck{
		ChunkID:   chunkID,
		NumSlices: numSlices,
		Acked:     acked,
	}, nil
}

// bitmapSize returns the bytes needed for one bit per slice.
func bitmapSize(numSlices uint16) int {
	return (int(numSlices) + 7) / 8
}
