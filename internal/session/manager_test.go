package session

import (
	"testing"

	"github.com/minilink-dev/minilink/internal/model"
)

func Test_Manager_NextSequence(t *testing.T) {
	m := NewManager()
	if got := m.LocalSequence(); got != 0 {
		t.Fatalf("LocalSequence() = %d, want 0", got)
	}
	if got := m.NextSequence(); got != 1 {
		t.Fatalf("NextSequence() = %d, want 1", got)
	}
	if got := m.NextSequence(); got != 2 {
		t.Fatalf("NextSequence() = %d, want 2", got)
	}
	if got := m.LocalSequence(); got != 2 {
		t.Fatalf("LocalSequence() = %d, want 2", got)
	}
}

func Test_Manager_RegisterAdvancesRemote(t *testing.T) {
	type args struct {
		seqs []model.Sequence
	}
	tests := []struct {
		name string
		args args
		want model.Sequence
	}{{
		name: "in order",
		args: args{seqs: []model.Sequence{1, 2, 3}},
		want: 3,
	}, {
		name: "out of order keeps the newest",
		args: args{seqs: []model.Sequence{5, 3, 4}},
		want: 5,
	}, {
		name: "wraparound",
		args: args{seqs: []model.Sequence{32000, 64000, 65535, 1}},
		want: 1,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for _, seq := range tt.args.seqs {
				m.Register(seq)
			}
			if got := m.RemoteSequence(); got != tt.want {
				t.Fatalf("RemoteSequence() = %d, want %d", got, tt.want)
			}
		})
	}
}

func Test_Manager_Seen(t *testing.T) {
	m := NewManager()
	m.Register(7)
	if !m.Seen(7) {
		t.Fatal("Seen(7) = false after Register")
	}
	if m.Seen(8) {
		t.Fatal("Seen(8) = true, never registered")
	}
	// a sequence one full window ahead lands in the same slot
	// and evicts the old entry
	m.Register(7 + model.Sequence(model.AckFieldSize))
	if m.Seen(7) {
		t.Fatal("Seen(7) = true after eviction")
	}
	if !m.Seen(7 + model.Sequence(model.AckFieldSize)) {
		t.Fatal("Seen() = false for the evicting sequence")
	}
}

func Test_Manager_AckField(t *testing.T) {
	type args struct {
		seqs []model.Sequence
	}
	tests := []struct {
		name      string
		args      args
		wantAck   model.Sequence
		wantField model.Bitfield64
	}{{
		name:      "nothing received",
		args:      args{},
		wantAck:   0,
		wantField: 0,
	}, {
		name:      "single packet",
		args:      args{seqs: []model.Sequence{1}},
		wantAck:   1,
		wantField: 0,
	}, {
		name:      "gap in the window",
		args:      args{seqs: []model.Sequence{7, 9, 10}},
		wantAck:   10,
		wantField: model.Bitfield64(0).With(0).With(2),
	}, {
		name:      "window across the wraparound",
		args:      args{seqs: []model.Sequence{65535, 1}},
		wantAck:   1,
		wantField: model.Bitfield64(0).With(1),
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for _, seq := range tt.args.seqs {
				m.Register(seq)
			}
			ack, field := m.AckField()
			if ack != tt.wantAck {
				t.Fatalf("ack = %d, want %d", ack, tt.wantAck)
			}
			if field != tt.wantField {
				t.Fatalf("field = %016x, want %016x", uint64(field), uint64(tt.wantField))
			}
		})
	}
}

func Test_Manager_ackFieldCoversTheFullWindow(t *testing.T) {
	m := NewManager()
	for seq := model.Sequence(1); seq <= 65; seq++ {
		m.Register(seq)
	}
	ack, field := m.AckField()
	if ack != 65 {
		t.Fatalf("ack = %d, want 65", ack)
	}
	// the window holds the ack itself plus the 63 sequences before
	// it, so the oldest coverable sequence has been evicted
	for i := 0; i < model.AckFieldSize-1; i++ {
		if !field.Has(i) {
			t.Fatalf("bit %d clear, want set", i)
		}
	}
	if field.Has(model.AckFieldSize - 1) {
		t.Fatal("bit 63 set for an evicted sequence")
	}
}
