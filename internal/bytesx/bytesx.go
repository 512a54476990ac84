// Package bytesx implements the buffers used to serialize and
// deserialize link packets.
//
// Specifically we implement these operations:
//
// 1. a growable write buffer with typed little-endian primitives;
//
// 2. a read-only cursor view over received bytes;
//
// 3. length-prefix framing of a finished write buffer.
//
// All multi-byte values are little-endian on the wire.
package bytesx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrReadOnlyBuffer indicates a write on a read-only view.
	ErrReadOnlyBuffer = errors.New("bytesx: write on read-only buffer")

	// ErrInsufficientData indicates a read past the end of the buffer.
	ErrInsufficientData = errors.New("bytesx: insufficient data")

	// ErrValueTooLarge indicates a value that does not fit its wire encoding.
	ErrValueTooLarge = errors.New("bytesx: value too large")
)

// Buffer is a byte buffer with typed little-endian accessors. Writers
// obtain a growable buffer with [NewBuffer]; readers obtain a cursor
// view over received bytes with [NewBufferView]. Write errors are
// sticky: the first failure is retained and surfaced by [Buffer.Err]
// and [Buffer.Finish]. A Buffer is not safe for concurrent use.
type Buffer struct {
	// data contains the bytes written or viewed.
	data []byte

	// off is the read cursor.
	off int

	// readOnly marks a view created by [NewBufferView].
	readOnly bool

	// err is the first write error, if any.
	err error
}

// NewBuffer creates an empty growable write buffer.
func NewBuffer() *Buffer {
	return &Buffer{data: []byte{}}
}

// NewBufferView creates a read-only cursor view over data. The view
// does not copy: the caller must not mutate data while reading.
func NewBufferView(data []byte) *Buffer {
	return &Buffer{data: data, readOnly: true}
}

// Err returns the first write error recorded by this buffer.
func (b *Buffer) Err() error {
	return b.err
}

// Len returns the total number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Remaining returns the number of unread bytes after the cursor.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.off
}

// setErr records err unless a previous error is already set.
func (b *Buffer) setErr(err error) error {
	if b.err == nil {
		b.err = err
	}
	return err
}

// writable returns nil if the buffer accepts writes.
func (b *Buffer) writable() error {
	if b.readOnly {
		return b.setErr(ErrReadOnlyBuffer)
	}
	return b.err
}

// WriteUint8 appends a single byte.
func (b *Buffer) WriteUint8(v uint8) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.data = append(b.data, v)
	return nil
}

// WriteUint16 appends a little-endian uint16.
func (b *Buffer) WriteUint16(v uint16) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
	return nil
}

// WriteUint32 appends a little-endian uint32.
func (b *Buffer) WriteUint32(v uint32) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
	return nil
}

// WriteUint64 appends a little-endian uint64.
func (b *Buffer) WriteUint64(v uint64) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
	return nil
}

// WriteFloat32 appends a little-endian IEEE 754 float32.
func (b *Buffer) WriteFloat32(v float32) error {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 appends a little-endian IEEE 754 float64.
func (b *Buffer) WriteFloat64(v float64) error {
	return b.WriteUint64(math.Float64bits(v))
}

// WriteBool appends a bool as a single 0x00 or 0x01 byte.
func (b *Buffer) WriteBool(v bool) error {
	var enc uint8
	if v {
		enc = 1
	}
	return b.WriteUint8(enc)
}

// WriteBytes appends raw bytes without a length prefix.
func (b *Buffer) WriteBytes(data []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.data = append(b.data, data...)
	return nil
}

// WriteLenBytes appends a little-endian uint16 length followed by the
// given bytes. Fails with [ErrValueTooLarge] past 65535 bytes.
func (b *Buffer) WriteLenBytes(data []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	if len(data) > math.MaxUint16 {
		return b.setErr(fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(data)))
	}
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(data)))
	b.data = append(b.data, data...)
	return nil
}

// WriteString appends a little-endian uint16 length followed by the
// UTF-8 bytes of the string. Fails with [ErrValueTooLarge] when the
// encoded string exceeds 65535 bytes.
func (b *Buffer) WriteString(s string) error {
	if err := b.writable(); err != nil {
		return err
	}
	if len(s) > math.MaxUint16 {
		return b.setErr(fmt.Errorf("%w: string is %d bytes", ErrValueTooLarge, len(s)))
	}
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(s)))
	b.data = append(b.data, s...)
	return nil
}

// WriteFlags packs up to eight bools into a single byte, first flag in
// the least significant bit.
func (b *Buffer) WriteFlags(flags ...bool) error {
	if err := b.writable(); err != nil {
		return err
	}
	if len(flags) > 8 {
		return b.setErr(fmt.Errorf("%w: %d flags", ErrValueTooLarge, len(flags)))
	}
	var enc uint8
	for i, flag := range flags {
		if flag {
			enc |= 1 << i
		}
	}
	b.data = append(b.data, enc)
	return nil
}

// ReadUint8 reads a single byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	if b.Remaining() < 1 {
		return 0, ErrInsufficientData
	}
	v := b.data[b.off]
	b.off++
	return v, nil
}

// ReadUint16 reads a little-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Remaining() < 2 {
		return 0, ErrInsufficientData
	}
	v := binary.LittleEndian.Uint16(b.data[b.off:])
	b.off += 2
	return v, nil
}

// ReadUint32 reads a little-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrInsufficientData
	}
	v := binary.LittleEndian.Uint32(b.data[b.off:])
	b.off += 4
	return v, nil
}

// ReadUint64 reads a little-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrInsufficientData
	}
	v := binary.LittleEndian.Uint64(b.data[b.off:])
	b.off += 8
	return v, nil
}

// ReadFloat32 reads a little-endian IEEE 754 float32.
func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads a little-endian IEEE 754 float64.
func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadBool reads a single byte as a bool. Any nonzero value is true.
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadBytes reads exactly n raw bytes. The returned slice aliases the
// buffer and must not be mutated.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || b.Remaining() < n {
		return nil, ErrInsufficientData
	}
	v := b.data[b.off : b.off+n]
	b.off += n
	return v, nil
}

// ReadLenBytes reads a little-endian uint16 length and then that many
// bytes. On failure the cursor does not advance.
func (b *Buffer) ReadLenBytes() ([]byte, error) {
	if b.Remaining() < 2 {
		return nil, ErrInsufficientData
	}
	n := int(binary.LittleEndian.Uint16(b.data[b.off:]))
	if b.Remaining() < 2+n {
		return nil, ErrInsufficientData
	}
	b.off += 2
	v := b.data[b.off : b.off+n]
	b.off += n
	return v, nil
}

// ReadString reads a little-endian uint16 length and then that many
// UTF-8 bytes. On failure the cursor does not advance.
func (b *Buffer) ReadString() (string, error) {
	v, err := b.ReadLenBytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// ReadFlags reads one byte and unpacks n flags from it, first flag in
// the least significant bit.
func (b *Buffer) ReadFlags(n int) ([]bool, error) {
	if n < 0 || n > 8 {
		return nil, fmt.Errorf("%w: %d flags", ErrValueTooLarge, n)
	}
	enc, err := b.ReadUint8()
	if err != nil {
		return nil, err
	}
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = enc&(1<<i) != 0
	}
	return flags, nil
}

// ReadRemaining reads all bytes after the cursor. The returned slice
// aliases the buffer and must not be mutated.
func (b *Buffer) ReadRemaining() []byte {
	v := b.data[b.off:]
	b.off = len(b.data)
	return v
}

// Finish returns the written bytes, or the first write error.
func (b *Buffer) Finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.data, nil
}

// FinishFrame returns the written bytes prefixed with their
// little-endian uint16 length. Fails with [ErrValueTooLarge] when the
// buffer exceeds 65535 bytes.
func (b *Buffer) FinishFrame() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.data) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: frame is %d bytes", ErrValueTooLarge, len(b.data))
	}
	framed := make([]byte, 0, 2+len(b.data))
	framed = binary.LittleEndian.AppendUint16(framed, uint16(len(b.data)))
	return append(framed, b.data...), nil
}
