package chunk

import (
	"bytes"
	"testing"

	"github.com/minilink-dev/minilink/internal/model"
)

// sliceOf builds one slice of a chunk split into numSlices pieces,
// with the last piece taking the remainder.
func sliceOf(data []byte, chunkID, sliceID uint8, numSlices uint16) *Slice {
	size := (len(data) + int(numSlices) - 1) / int(numSlices)
	start := int(sliceID) * size
	end := start + size
	if end > len(data) {
		end = len(data)
	}
	return &Slice{
		ChunkID:   chunkID,
		SliceID:   sliceID,
		NumSlices: numSlices,
		Data:      data[start:end],
	}
}

func Test_Receiver_reassemblesOutOfOrder(t *testing.T) {
	data := []byte("the quick brown fox jumped over the lazy dog")
	for _, order := range [][]uint8{{0, 1, 2}, {0, 2, 1}, {2, 1, 0}, {1, 0, 2}} {
		receiver := NewReceiver(model.NewTestLogger())
		var assembled []byte
		for _, sliceID := range order {
			ack, done := receiver.OnSlice(sliceOf(data, 7, sliceID, 3))
			if ack == nil {
				t.Fatalf("order %v: no ack for slice %d", order, sliceID)
			}
			if !ack.Has(int(sliceID)) {
				t.Fatalf("order %v: ack missing slice %d", order, sliceID)
			}
			if done != nil {
				assembled = done
			}
		}
		if !bytes.Equal(assembled, data) {
			t.Fatalf("order %v: assembled %q, want %q", order, assembled, data)
		}
	}
}

func Test_Receiver_deliversOnLastSliceOnly(t *testing.T) {
	data := make([]byte, 3*MaxSliceSize)
	receiver := NewReceiver(model.NewTestLogger())

	if _, done := receiver.OnSlice(sliceOf(data, 0, 0, 3)); done != nil {
		t.Fatal("delivered with slices missing")
	}
	if _, done := receiver.OnSlice(sliceOf(data, 0, 2, 3)); done != nil {
		t.Fatal("delivered with slices missing")
	}

	// a duplicate does not complete the chunk either
	ack, done := receiver.OnSlice(sliceOf(data, 0, 2, 3))
	if done != nil {
		t.Fatal("delivered with slices missing")
	}
	if ack.Has(1) {
		t.Fatal("ack claims the missing slice")
	}

	if _, done := receiver.OnSlice(sliceOf(data, 0, 1, 3)); done == nil {
		t.Fatal("not delivered after the last slice")
	}
}

func Test_Receiver_duplicateAfterDelivery(t *testing.T) {
	data := []byte("duplicated")
	receiver := NewReceiver(model.NewTestLogger())

	slice := &Slice{ChunkID: 4, SliceID: 0, NumSlices: 1, Data: data}
	if _, done := receiver.OnSlice(slice); done == nil {
		t.Fatal("not delivered")
	}

	// the sender may have missed the ack and retransmitted; answer
	// with the full bitmap but deliver nothing
	ack, done := receiver.OnSlice(slice)
	if done != nil {
		t.Fatal("delivered the same chunk twice")
	}
	if ack == nil || !ack.Has(0) {
		t.Fatalf("ack = %+v, want full bitmap", ack)
	}
}

func Test_Receiver_ignoresInvalidSlices(t *testing.T) {
	tests := []struct {
		name  string
		slice *Slice
	}{{
		name:  "zero slices",
		slice: &Slice{ChunkID: 0, SliceID: 0, NumSlices: 0, Data: []byte("x")},
	}, {
		name:  "too many slices",
		slice: &Slice{ChunkID: 0, SliceID: 0, NumSlices: MaxSlices + 1, Data: []byte("x")},
	}, {
		name:  "slice id out of range",
		slice: &Slice{ChunkID: 0, SliceID: 3, NumSlices: 3, Data: []byte("x")},
	}, {
		name:  "oversized data",
		slice: &Slice{ChunkID: 0, SliceID: 0, NumSlices: 1, Data: make([]byte, MaxSliceSize+1)},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := model.NewTestLogger()
			receiver := NewReceiver(logger)
			ack, done := receiver.OnSlice(tt.slice)
			if ack != nil || done != nil {
				t.Fatalf("OnSlice() = %+v, %v; want nil, nil", ack, done)
			}
			if len(logger.Lines) != 1 {
				t.Fatalf("logged %d lines, want 1", len(logger.Lines))
			}
		})
	}
}

func Test_Receiver_rejectsChangedSliceCount(t *testing.T) {
	receiver := NewReceiver(model.NewTestLogger())
	receiver.OnSlice(&Slice{ChunkID: 1, SliceID: 0, NumSlices: 3, Data: []byte("a")})
	ack, done := receiver.OnSlice(&Slice{ChunkID: 1, SliceID: 1, NumSlices: 4, Data: []byte("b")})
	if ack != nil || done != nil {
		t.Fatalf("OnSlice() = %+v, %v; want nil, nil", ack, done)
	}
}

func Test_Receiver_Reset(t *testing.T) {
	data := make([]byte, 2*MaxSliceSize)
	receiver := NewReceiver(model.NewTestLogger())
	receiver.OnSlice(sliceOf(data, 9, 0, 2))
	receiver.Reset()

	// the half-received chunk was dropped: delivery needs both
	// slices again
	if _, done := receiver.OnSlice(sliceOf(data, 9, 1, 2)); done != nil {
		t.Fatal("delivered from stale state")
	}
	if _, done := receiver.OnSlice(sliceOf(data, 9, 0, 2)); done == nil {
		t.Fatal("not delivered")
	}
}

// Test_Chunk_transferLoop drives a sender and a receiver against each
// other the way the update manager would, a few slices per tick.
func Test_Chunk_transferLoop(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7)
	}

	sender := NewSender(model.NewTestLogger())
	receiver := NewReceiver(model.NewTestLogger())
	done, err := sender.Send(data)
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	var delivered []byte
	for tick := 0; tick < 100; tick++ {
		payloads := sender.NextSlices(SliceBatch)
		if payloads == nil {
			break
		}
		for _, payload := range payloads {
			slice, err := ParseSlice(payload)
			if err != nil {
				t.Fatal("unexpected error", err)
			}
			ack, assembled := receiver.OnSlice(slice)
			if assembled != nil {
				delivered = assembled
			}
			sender.OnAck(ack)
		}
	}

	select {
	case <-done:
	default:
		t.Fatal("done channel not closed")
	}
	if !bytes.Equal(delivered, data) {
		t.Fatal("delivered data differs")
	}
	if got := sender.Pending(); got != 0 {
		t.Fatalf("Pending() = %d, want 0", got)
	}
}
