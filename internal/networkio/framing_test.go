package networkio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_Fragment(t *testing.T) {
	type args struct {
		payloadSize int
	}
	tests := []struct {
		name      string
		args      args
		wantSizes []int
	}{{
		name:      "small packet fits one datagram",
		args:      args{payloadSize: 100},
		wantSizes: []int{102},
	}, {
		name:      "packet at the threshold fits one datagram",
		args:      args{payloadSize: MTU},
		wantSizes: []int{MTU + 2},
	}, {
		name:      "one byte over the threshold",
		args:      args{payloadSize: MTU + 1},
		wantSizes: []int{MTU + 2, 1},
	}, {
		name:      "three full pieces",
		args:      args{payloadSize: 3600},
		wantSizes: []int{1202, 1200, 1200},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.args.payloadSize)
			for i := range payload {
				payload[i] = byte(i)
			}
			datagrams, err := Fragment(payload)
			if err != nil {
				t.Fatal("unexpected error", err)
			}
			gotSizes := make([]int, 0, len(datagrams))
			for _, dgram := range datagrams {
				gotSizes = append(gotSizes, len(dgram))
			}
			if diff := cmp.Diff(tt.wantSizes, gotSizes); diff != "" {
				t.Fatal(diff)
			}
			// the prefix declares the payload size
			declared := int(datagrams[0][0]) | int(datagrams[0][1])<<8
			if declared != tt.args.payloadSize {
				t.Fatalf("declared = %d, want %d", declared, tt.args.payloadSize)
			}
			// reassembling the datagrams yields the payload again
			joined := make([]byte, 0, tt.args.payloadSize)
			joined = append(joined, datagrams[0][2:]...)
			for _, dgram := range datagrams[1:] {
				joined = append(joined, dgram...)
			}
			if !bytes.Equal(joined, payload) {
				t.Fatal("reassembled payload differs")
			}
		})
	}
}

func Test_Fragment_tooLarge(t *testing.T) {
	payload := make([]byte, 65536)
	if _, err := Fragment(payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Fragment() error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func Test_Fragment_wireLayout(t *testing.T) {
	datagrams, err := Fragment([]byte{0xaa, 0xbb, 0xcc})
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	want := [][]byte{{0x03, 0x00, 0xaa, 0xbb, 0xcc}}
	if diff := cmp.Diff(want, datagrams); diff != "" {
		t.Fatal(diff)
	}
}

func Test_FrameDecoder(t *testing.T) {
	type args struct {
		feeds [][]byte
	}
	tests := []struct {
		name       string
		args       args
		want       [][]byte
		wantErr    error
		wantBuffer int
	}{{
		name: "one frame in one datagram",
		args: args{feeds: [][]byte{{0x03, 0x00, 1, 2, 3}}},
		want: [][]byte{{1, 2, 3}},
	}, {
		name: "two frames sharing a datagram",
		args: args{feeds: [][]byte{{0x01, 0x00, 9, 0x02, 0x00, 7, 8}}},
		want: [][]byte{{9}, {7, 8}},
	}, {
		name: "frame spanning datagrams",
		args: args{
			feeds: [][]byte{
				{0x04, 0x00, 1, 2},
				{3, 4},
			},
		},
		want: [][]byte{{1, 2, 3, 4}},
	}, {
		name: "prefix split across datagrams",
		args: args{
			feeds: [][]byte{
				{0x02},
				{0x00, 5, 6},
			},
		},
		want: [][]byte{{5, 6}},
	}, {
		name:       "partial frame stays buffered",
		args:       args{feeds: [][]byte{{0x05, 0x00, 1, 2}}},
		want:       nil,
		wantBuffer: 4,
	}, {
		name:    "zero length frame discards the buffer",
		args:    args{feeds: [][]byte{{0x01, 0x00, 9, 0x00, 0x00, 1, 2, 3}}},
		want:    [][]byte{{9}},
		wantErr: ErrBadFrame,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoder := &FrameDecoder{}
			var got [][]byte
			var gotErr error
			for _, feed := range tt.args.feeds {
				frames, err := decoder.Feed(feed)
				got = append(got, frames...)
				if err != nil {
					gotErr = err
				}
			}
			if !errors.Is(gotErr, tt.wantErr) {
				t.Fatalf("Feed() error = %v, wantErr %v", gotErr, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatal(diff)
			}
			if decoder.Pending() != tt.wantBuffer {
				t.Fatalf("Pending() = %d, want %d", decoder.Pending(), tt.wantBuffer)
			}
			if tt.wantErr != nil && decoder.Pending() != 0 {
				t.Fatal("buffer not discarded after bad frame")
			}
		})
	}
}

func Test_FrameDecoder_fragmentRoundTrip(t *testing.T) {
	payload := make([]byte, 3600)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	datagrams, err := Fragment(payload)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	decoder := &FrameDecoder{}
	var got [][]byte
	for _, dgram := range datagrams {
		frames, err := decoder.Feed(dgram)
		if err != nil {
			t.Fatal("unexpected error", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("expected one frame, got %d", len(got))
	}
	if !bytes.Equal(got[0], payload) {
		t.Fatal("frame differs from the original payload")
	}
}
