// Package networkio contains the datagram framing code shared by the
// socket drivers: the length-prefix frame codec, the fragmentation of
// oversized frames, and a [net.PacketConn] backed by channels that the
// DTLS driver uses to multiplex one socket across remote endpoints.
package networkio

import (
	"encoding/binary"
	"errors"
	"math"
)

// MTU is the fragmentation threshold. A serialized packet larger than
// this is split into MTU-sized pieces, each sent as its own datagram.
const MTU = 1200

// ErrFrameTooLarge means that a frame payload exceeds [math.MaxUint16].
var ErrFrameTooLarge = errors.New("minilink: frame too large")

// ErrBadFrame means that the frame decoder saw bytes that cannot be
// the beginning of a frame and discarded its buffer.
var ErrBadFrame = errors.New("minilink: bad frame")

// Fragment splits a serialized packet into the datagrams to send. The
// two-byte little-endian length prefix rides the first datagram, so a
// packet of up to [MTU] bytes becomes a single datagram of len+2 bytes
// and larger packets become ceil(len/MTU) datagrams where only the
// first one carries the prefix.
//
// Fragments only survive in-order delivery: when the network reorders
// or drops one of them the decoder on the other side discards the
// whole frame. Packets are expected to fit a single datagram, with
// fragmentation as the escape hatch for the occasional oversized one.
func Fragment(payload []byte) ([][]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, ErrFrameTooLarge
	}
	first := len(payload)
	if first > MTU {
		first = MTU
	}
	head := make([]byte, 2+first)
	binary.LittleEndian.PutUint16(head, uint16(len(payload)))
	copy(head[2:], payload)
	datagrams := [][]byte{head}
	for off := first; off < len(payload); off += MTU {
		end := off + MTU
		if end > len(payload) {
			end = len(payload)
		}
		datagrams = append(datagrams, payload[off:end])
	}
	return datagrams, nil
}

// FrameDecoder reassembles frames from a sequence of datagram
// payloads. Frames may share a datagram and may span several of them.
//
// The zero value is ready to use.
type FrameDecoder struct {
	buf []byte
}

// Feed appends data to the decoder buffer and extracts every complete
// frame from it. When the buffer starts with a zero-length frame the
// decoder discards everything it holds and returns the frames
// extracted so far along with [ErrBadFrame].
func (d *FrameDecoder) Feed(data []byte) ([][]byte, error) {
	d.buf = append(d.buf, data...)
	var frames [][]byte
	for {
		if len(d.buf) < 2 {
			return frames, nil
		}
		length := int(binary.LittleEndian.Uint16(d.buf))
		if length == 0 {
			d.buf = nil
			return frames, ErrBadFrame
		}
		if len(d.buf) < 2+length {
			return frames, nil
		}
		frame := make([]byte, length)
		copy(frame, d.buf[2:2+length])
		d.buf = d.buf[2+length:]
		frames = append(frames, frame)
	}
}

// Pending returns the number of buffered bytes waiting for the rest of
// a frame.
func (d *FrameDecoder) Pending() int {
	return len(d.buf)
}

// Reset discards any buffered bytes.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}
