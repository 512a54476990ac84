package update

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/minilink-dev/minilink/internal/bytesx"
	"github.com/minilink-dev/minilink/internal/model"
)

func Test_Manager_producerValidation(t *testing.T) {
	manager, _ := newTestManager(true)
	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{{
		name:    "SetData with a reserved type",
		call:    func() error { return manager.SetData(model.TypeChunkSlice, []byte("x")) },
		wantErr: ErrReservedType,
	}, {
		name:    "AddData with a reserved type",
		call:    func() error { return manager.AddData(model.TypeReliableBlock, []byte("x")) },
		wantErr: ErrReservedType,
	}, {
		name:    "SetData with an oversized payload",
		call:    func() error { return manager.SetData(1, make([]byte, 65536)) },
		wantErr: model.ErrPayloadTooLarge,
	}, {
		name:    "SetAddonData with an unknown addon",
		call:    func() error { return manager.SetAddonData(99, 1, []byte("x")) },
		wantErr: ErrUnknownAddon,
	}, {
		name:    "AddReliableAddonData with an unknown addon",
		call:    func() error { return manager.AddReliableAddonData(99, 1, []byte("x")) },
		wantErr: ErrUnknownAddon,
	}, {
		name:    "SetData accepts a user type",
		call:    func() error { return manager.SetData(1, []byte("x")) },
		wantErr: nil,
	}, {
		name:    "SetAddonData accepts a configured addon",
		call:    func() error { return manager.SetAddonData(7, 1, []byte("x")) },
		wantErr: nil,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func Test_Manager_reliableEntriesCap(t *testing.T) {
	manager, _ := newTestManager(true)
	if err := manager.SetReliableData(200, []byte("slot")); err != nil {
		t.Fatal("unexpected error", err)
	}
	for i := 1; i < maxBlockEntries; i++ {
		if err := manager.AddReliableData(1, []byte("x")); err != nil {
			t.Fatal("unexpected error", err)
		}
	}
	if err := manager.AddReliableData(1, []byte("x")); !errors.Is(err, ErrTooManyEntries) {
		t.Fatalf("error = %v, want %v", err, ErrTooManyEntries)
	}
	// a set for a new slot would also grow the block
	if err := manager.SetReliableData(201, []byte("y")); !errors.Is(err, ErrTooManyEntries) {
		t.Fatalf("error = %v, want %v", err, ErrTooManyEntries)
	}
	// refreshing an occupied slot does not
	if err := manager.SetReliableData(200, []byte("refreshed")); err != nil {
		t.Fatal("unexpected error", err)
	}
}

func Test_Manager_handlerRegistry(t *testing.T) {
	manager, _ := newTestManager(true)
	noop := func(payload *bytesx.Buffer) error { return nil }
	if err := manager.RegisterHandler(9, noop); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.RegisterHandler(9, noop); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("error = %v, want %v", err, ErrDuplicateHandler)
	}
	if err := manager.RegisterHandler(model.TypeAddon, noop); !errors.Is(err, ErrReservedType) {
		t.Fatalf("error = %v, want %v", err, ErrReservedType)
	}
	if err := manager.DeregisterHandler(9); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.DeregisterHandler(9); !errors.Is(err, ErrNoSuchHandler) {
		t.Fatalf("error = %v, want %v", err, ErrNoSuchHandler)
	}

	if err := manager.RegisterAddonHandler(99, 1, noop); !errors.Is(err, ErrUnknownAddon) {
		t.Fatalf("error = %v, want %v", err, ErrUnknownAddon)
	}
	if err := manager.RegisterAddonHandler(7, 1, noop); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.RegisterAddonHandler(7, 1, noop); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("error = %v, want %v", err, ErrDuplicateHandler)
	}
	if err := manager.DeregisterAddonHandler(7, 1); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.DeregisterAddonHandler(7, 1); !errors.Is(err, ErrNoSuchHandler) {
		t.Fatalf("error = %v, want %v", err, ErrNoSuchHandler)
	}
}

func Test_Manager_nilHandlerPanics(t *testing.T) {
	manager, _ := newTestManager(true)
	defer func() {
		if recover() == nil {
			t.Error("expected code to panic")
		}
	}()
	_ = manager.RegisterHandler(9, nil)
}

func Test_Manager_assemblesStagedData(t *testing.T) {
	manager, recorder := newTestManager(true)
	if err := manager.SetData(1, []byte("aaa")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.SetData(1, []byte("bbb")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.AddData(2, []byte("x")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.AddData(2, []byte("y")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.SetReliableData(3, []byte("rrr")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}

	packets := decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 {
		t.Fatalf("sent %d packets, want 1", len(packets))
	}
	packet := packets[0]
	if packet.Sequence != 1 || packet.Ack != 0 || packet.AckField != 0 {
		t.Fatalf("header = %d/%d/%x", packet.Sequence, packet.Ack, uint64(packet.AckField))
	}
	if len(packet.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(packet.Entries))
	}
	if packet.Entries[0].Type != 1 || !bytes.Equal(packet.Entries[0].Payload, []byte("bbb")) {
		t.Fatalf("entry 0 = %v %q, want the refreshed set value", packet.Entries[0].Type, packet.Entries[0].Payload)
	}
	if packet.Entries[1].Type != 2 || packet.Entries[2].Type != 2 {
		t.Fatal("add entries not preserved")
	}
	if len(packet.Blocks) != 1 || packet.Blocks[0].Origin != 1 {
		t.Fatalf("blocks = %+v, want one block with origin 1", packet.Blocks)
	}
	if len(packet.Blocks[0].Entries) != 1 || !bytes.Equal(packet.Blocks[0].Entries[0].Payload, []byte("rrr")) {
		t.Fatal("reliable entry not in the block")
	}

	// the accumulator was swapped: the next packet is empty
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets = decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Entries) != 0 || len(packets[0].Blocks) != 0 {
		t.Fatal("second packet not empty")
	}
	if packets[0].Sequence != 2 {
		t.Fatalf("second sequence = %d, want 2", packets[0].Sequence)
	}
}

func Test_Manager_keepalivePadding(t *testing.T) {
	t.Run("sequenced packets ride on the header alone", func(t *testing.T) {
		manager, recorder := newTestManager(true)
		if err := manager.sendUpdate(); err != nil {
			t.Fatal("unexpected error", err)
		}
		datagrams := recorder.Drain()
		if len(datagrams) != 1 || len(datagrams[0]) != 2+12 {
			t.Fatalf("datagrams = %d, want one of 14 bytes", len(datagrams))
		}
	})
	t.Run("plain packets get a keepalive entry", func(t *testing.T) {
		manager, recorder := newTestManager(false)
		if err := manager.sendUpdate(); err != nil {
			t.Fatal("unexpected error", err)
		}
		packets := decodeSent(t, false, recorder.Drain())
		if len(packets) != 1 || len(packets[0].Entries) != 1 {
			t.Fatal("expected exactly one entry")
		}
		if packets[0].Entries[0].Type != model.TypeKeepalive {
			t.Fatalf("entry type = %s, want keepalive", packets[0].Entries[0].Type)
		}
	})
}

func Test_Manager_reoffersLostReliableData(t *testing.T) {
	manager, recorder := newTestManager(true)

	// seed the round-trip estimate so the loss deadline drops to the
	// 200ms floor
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	recorder.Drain()
	manager.handleDatagram(frameOf(t, remotePacket(1, 1, 0)))

	if err := manager.SetReliableData(5, []byte("hello")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets := decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Blocks) != 1 {
		t.Fatal("reliable data not sent")
	}
	origin := packets[0].Blocks[0].Origin
	if origin != 2 {
		t.Fatalf("origin = %d, want 2", origin)
	}

	// no ack within the loss deadline: the next packet re-offers the
	// block with its origin unchanged
	time.Sleep(250 * time.Millisecond)
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets = decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Blocks) != 1 {
		t.Fatal("lost reliable data not re-offered")
	}
	if packets[0].Blocks[0].Origin != origin {
		t.Fatalf("re-offer origin = %d, want %d", packets[0].Blocks[0].Origin, origin)
	}
	if !bytes.Equal(packets[0].Blocks[0].Entries[0].Payload, []byte("hello")) {
		t.Fatal("re-offer payload differs")
	}

	// the re-offer rides packet 3: no third offer before its own
	// deadline expires
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets = decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Blocks) != 0 {
		t.Fatal("re-offered again before the deadline")
	}

	// acking the carrying packet retires the block for good
	manager.handleDatagram(frameOf(t, remotePacket(2, 3, model.Bitfield64(0).With(0))))
	time.Sleep(250 * time.Millisecond)
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets = decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Blocks) != 0 {
		t.Fatal("acked block re-offered")
	}
}

func Test_Manager_newerSetSupersedesReoffer(t *testing.T) {
	manager, recorder := newTestManager(true)

	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	recorder.Drain()
	manager.handleDatagram(frameOf(t, remotePacket(1, 1, 0)))

	if err := manager.SetReliableData(5, []byte("v1")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	recorder.Drain()

	// the producer refreshed the value before the loss was detected
	if err := manager.SetReliableData(5, []byte("v2")); err != nil {
		t.Fatal("unexpected error", err)
	}
	time.Sleep(250 * time.Millisecond)
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets := decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Blocks) != 1 {
		t.Fatalf("blocks = %d, want only the fresh one", len(packets[0].Blocks))
	}
	block := packets[0].Blocks[0]
	if block.Origin != 3 || !bytes.Equal(block.Entries[0].Payload, []byte("v2")) {
		t.Fatalf("block = origin %d payload %q, want the fresh value", block.Origin, block.Entries[0].Payload)
	}
}

func Test_Manager_addReliableSurvivesNewerAdds(t *testing.T) {
	manager, recorder := newTestManager(true)

	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	recorder.Drain()
	manager.handleDatagram(frameOf(t, remotePacket(1, 1, 0)))

	if err := manager.AddReliableData(6, []byte("first")); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	recorder.Drain()

	if err := manager.AddReliableData(6, []byte("second")); err != nil {
		t.Fatal("unexpected error", err)
	}
	time.Sleep(250 * time.Millisecond)
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	packets := decodeSent(t, true, recorder.Drain())
	if len(packets) != 1 || len(packets[0].Blocks) != 2 {
		t.Fatalf("blocks = %d, want the fresh one and the re-offer", len(packets[0].Blocks))
	}
}

func Test_Manager_dropsOversizedPackets(t *testing.T) {
	manager, recorder := newTestManager(true)
	if err := manager.AddData(1, make([]byte, 40000)); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.AddData(1, make([]byte, 40000)); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	if datagrams := recorder.Drain(); len(datagrams) != 0 {
		t.Fatalf("sent %d datagrams, want none", len(datagrams))
	}
}

func Test_Manager_fragmentsLargePackets(t *testing.T) {
	manager, recorder := newTestManager(true)
	if err := manager.SetData(1, make([]byte, 3000)); err != nil {
		t.Fatal("unexpected error", err)
	}
	if err := manager.sendUpdate(); err != nil {
		t.Fatal("unexpected error", err)
	}
	datagrams := recorder.Drain()
	if len(datagrams) != 3 {
		t.Fatalf("sent %d datagrams, want 3", len(datagrams))
	}
	packets := decodeSent(t, true, datagrams)
	if len(packets) != 1 || len(packets[0].Entries) != 1 {
		t.Fatal("fragments do not reassemble into the packet")
	}
	if len(packets[0].Entries[0].Payload) != 3000 {
		t.Fatalf("payload = %d bytes, want 3000", len(packets[0].Entries[0].Payload))
	}
}
