package update

import (
	"sync"
	"testing"
	"time"

	"github.com/minilink-dev/minilink/internal/linktest"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/networkio"
)

// testClock is a fake clock safe to advance while workers read it.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Unix(1000000, 0)}
}

func (c *testClock) now() time.Time {
	defer c.mu.Unlock()
	c.mu.Lock()
	return c.current
}

func (c *testClock) advance(d time.Duration) {
	defer c.mu.Unlock()
	c.mu.Lock()
	c.current = c.current.Add(d)
}

// testAddons is the addon manifest the test managers announce.
var testAddons = []model.AddonInfo{{ID: 7, Name: "voice", Version: "1"}}

// newTestManager returns a manager over a recorder transport, without
// starting workers. Tests drive sendUpdate and handleDatagram
// directly.
func newTestManager(sequenced bool) (*Manager, *linktest.Recorder) {
	recorder := linktest.NewRecorder()
	if !sequenced {
		recorder.SetCapabilities(false, false, false)
	}
	config := model.NewConfig(
		model.WithLogger(model.NewTestLogger()),
		model.WithAddons(testAddons),
	)
	return NewManager(config, recorder), recorder
}

// decodeSent reassembles and parses the packets behind the recorded
// datagrams.
func decodeSent(t *testing.T, sequenced bool, datagrams [][]byte) []*model.Packet {
	t.Helper()
	decoder := &networkio.FrameDecoder{}
	var packets []*model.Packet
	for _, dgram := range datagrams {
		frames, err := decoder.Feed(dgram)
		if err != nil {
			t.Fatal("unexpected error", err)
		}
		for _, frame := range frames {
			packet, err := model.ParsePacket(frame, sequenced)
			if err != nil {
				t.Fatal("unexpected error", err)
			}
			packets = append(packets, packet)
		}
	}
	return packets
}

// frameOf returns the single datagram carrying the given packet, as
// the remote would send it.
func frameOf(t *testing.T, packet *model.Packet) []byte {
	t.Helper()
	raw, err := packet.Bytes()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	datagrams, err := networkio.Fragment(raw)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if len(datagrams) != 1 {
		t.Fatalf("packet fragments into %d datagrams, want 1", len(datagrams))
	}
	return datagrams[0]
}

// remotePacket builds an inbound sequenced packet.
func remotePacket(seq, ack model.Sequence, field model.Bitfield64) *model.Packet {
	return &model.Packet{
		Sequenced: true,
		Sequence:  seq,
		Ack:       ack,
		AckField:  field,
		Entries:   []*model.Entry{},
		Blocks:    []*model.ReliableBlock{},
	}
}
