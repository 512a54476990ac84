package model

//
// Packet
//
// Parsing and serializing link update packets.
//

import (
	"errors"
	"fmt"

	"github.com/minilink-dev/minilink/internal/bytesx"
)

// Sequence is a wrapping 16-bit packet sequence number.
type Sequence uint16

// After returns true when s is newer than other taking wraparound
// into account: a sequence is newer when it is ahead by at most half
// of the sequence space.
func (s Sequence) After(other Sequence) bool {
	return (s > other && s-other <= 32768) || (s < other && other-s > 32768)
}

// Before returns true when s is older than other.
func (s Sequence) Before(other Sequence) bool {
	return other.After(s)
}

// AckFieldSize is the number of sequences covered by the ack bitfield,
// in addition to the ack value itself.
const AckFieldSize = 64

// Bitfield64 is the fixed-size set of acknowledgement bits carried by
// the update header. Bit i refers to sequence (ack - i - 1).
type Bitfield64 uint64

// Has returns true when bit i is set. Out-of-range bits are unset.
func (b Bitfield64) Has(i int) bool {
	return i >= 0 && i < AckFieldSize && b&(1<<i) != 0
}

// With returns a copy of the bitfield with bit i set. Out-of-range
// bits are ignored.
func (b Bitfield64) With(i int) Bitfield64 {
	if i < 0 || i >= AckFieldSize {
		return b
	}
	return b | 1<<i
}

// PacketType identifies the payload type of an update packet entry.
// Values above [MaxUserType] are reserved for the protocol itself.
type PacketType uint8

const (
	// MaxUserType is the highest type id available to producers.
	MaxUserType = PacketType(0xf8)

	// TypeChunkSlice carries one slice of a chunk transfer.
	TypeChunkSlice = PacketType(0xf9)

	// TypeChunkSliceAck carries a cumulative slice acknowledgement bitmap.
	TypeChunkSliceAck = PacketType(0xfa)

	// TypeKeepalive pads an otherwise empty packet on backends that do
	// not carry the sequenced header, whose packets would otherwise
	// serialize to zero bytes and be indistinguishable from a corrupt
	// frame.
	TypeKeepalive = PacketType(0xfb)

	// TypeAddon marks an entry addressed to an addon sub-registry.
	TypeAddon = PacketType(0xfe)

	// TypeReliableBlock marks a group of reliable entries tagged with
	// the sequence that first carried them.
	TypeReliableBlock = PacketType(0xff)
)

// Reserved returns true when the type id is reserved for the protocol.
func (t PacketType) Reserved() bool {
	return t > MaxUserType
}

// String returns the type string representation.
func (t PacketType) String() string {
	switch t {
	case TypeChunkSlice:
		return "chunk-slice"
	case TypeChunkSliceAck:
		return "chunk-slice-ack"
	case TypeKeepalive:
		return "keepalive"
	case TypeAddon:
		return "addon"
	case TypeReliableBlock:
		return "reliable-block"
	default:
		return fmt.Sprintf("user(0x%02x)", uint8(t))
	}
}

// Handler processes the payload of one received entry. The payload
// view is only valid for the duration of the call.
type Handler func(payload *bytesx.Buffer) error

// Entry is one typed payload inside an update packet. For addon
// entries Type is [TypeAddon] and AddonID/PacketID address the addon
// sub-registry; otherwise both are zero.
type Entry struct {
	// Type is the payload type id.
	Type PacketType

	// AddonID addresses the addon when Type is [TypeAddon].
	AddonID uint8

	// PacketID addresses the packet type within the addon.
	PacketID uint8

	// Payload is the serialized payload.
	Payload []byte
}

// ReliableBlock groups the reliable entries that first travelled on
// the packet with sequence Origin. A retransmission carries the block
// unchanged inside a later packet so the receiver can deduplicate it.
type ReliableBlock struct {
	// Origin is the sequence that first carried these entries.
	Origin Sequence

	// Entries are the reliable entries.
	Entries []*Entry
}

// Packet is a link update packet. The header fields are only
// meaningful when Sequenced is true: backends with native ordering
// and reliability omit the header entirely.
type Packet struct {
	// Sequenced tells whether the packet carries the
	// sequence/ack/ackfield header.
	Sequenced bool

	// Sequence is this packet's sequence number.
	Sequence Sequence

	// Ack is the highest remote sequence seen by the sender.
	Ack Sequence

	// AckField acknowledges the [AckFieldSize] sequences before Ack.
	AckField Bitfield64

	// Entries are the plain payload entries, in producer order.
	Entries []*Entry

	// Blocks are the reliable blocks, in producer order.
	Blocks []*ReliableBlock
}

// ErrPacketTooShort indicates that a packet is too short.
var ErrPacketTooShort = errors.New("minilink: packet too short")

// ErrParsePacket is a generic packet parse error which may be further qualified.
var ErrParsePacket = errors.New("minilink: packet parse error")

// ErrMarshalPacket is a generic packet marshaling error.
var ErrMarshalPacket = errors.New("minilink: packet marshal error")

// ErrPayloadTooLarge indicates that a producer payload exceeds what an
// entry can carry on the wire.
var ErrPayloadTooLarge = errors.New("minilink: payload too large")

// headerSize is the size of the sequenced header on the wire.
const headerSize = 2 + 2 + 8

// Bytes serializes the packet. We assume the underlying connection
// applies the framing: the returned bytes do not carry a length prefix.
func (p *Packet) Bytes() ([]byte, error) {
	buf := bytesx.NewBuffer()
	if p.Sequenced {
		buf.WriteUint16(uint16(p.Sequence))
		buf.WriteUint16(uint16(p.Ack))
		buf.WriteUint64(uint64(p.AckField))
	}
	for _, entry := range p.Entries {
		if err := marshalEntry(buf, entry); err != nil {
			return nil, err
		}
	}
	for _, block := range p.Blocks {
		if len(block.Entries) > 255 {
			return nil, fmt.Errorf("%w: block with %d entries", ErrMarshalPacket, len(block.Entries))
		}
		buf.WriteUint8(uint8(TypeReliableBlock))
		buf.WriteUint16(uint16(block.Origin))
		buf.WriteUint8(uint8(len(block.Entries)))
		for _, entry := range block.Entries {
			if err := marshalEntry(buf, entry); err != nil {
				return nil, err
			}
		}
	}
	raw, err := buf.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMarshalPacket, err)
	}
	return raw, nil
}

// marshalEntry appends the wire form of a single entry.
func marshalEntry(buf *bytesx.Buffer, entry *Entry) error {
	if entry.Type == TypeReliableBlock {
		return fmt.Errorf("%w: nested reliable block", ErrMarshalPacket)
	}
	buf.WriteUint8(uint8(entry.Type))
	if entry.Type == TypeAddon {
		buf.WriteUint8(entry.AddonID)
		buf.WriteUint8(entry.PacketID)
	}
	if err := buf.WriteLenBytes(entry.Payload); err != nil {
		return fmt.Errorf("%w: %s", ErrMarshalPacket, err)
	}
	return nil
}

// ParsePacket parses a packet from raw bytes. We assume that the
// underlying connection has already stripped out the framing. The
// sequenced flag must match the capability of the receiving backend.
// Entry payloads alias raw.
func ParsePacket(raw []byte, sequenced bool) (*Packet, error) {
	view := bytesx.NewBufferView(raw)
	p := &Packet{
		Sequenced: sequenced,
		Entries:   []*Entry{},
		Blocks:    []*ReliableBlock{},
	}
	if sequenced {
		if view.Remaining() < headerSize {
			return nil, ErrPacketTooShort
		}
		seq, _ := view.ReadUint16()
		ack, _ := view.ReadUint16()
		field, _ := view.ReadUint64()
		p.Sequence = Sequence(seq)
		p.Ack = Sequence(ack)
		p.AckField = Bitfield64(field)
	}
	for view.Remaining() > 0 {
		typeID, err := view.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrParsePacket, err)
		}
		if PacketType(typeID) != TypeReliableBlock {
			entry, err := parseEntry(view, PacketType(typeID))
			if err != nil {
				return nil, err
			}
			p.Entries = append(p.Entries, entry)
			continue
		}
		block, err := parseReliableBlock(view)
		if err != nil {
			return nil, err
		}
		p.Blocks = append(p.Blocks, block)
	}
	return p, nil
}

// parseEntry parses the remainder of an entry whose type id has
// already been consumed.
func parseEntry(view *bytesx.Buffer, typeID PacketType) (*Entry, error) {
	entry := &Entry{Type: typeID}
	if typeID == TypeAddon {
		addonID, err := view.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: bad addon id: %s", ErrParsePacket, err)
		}
		packetID, err := view.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: bad addon packet id: %s", ErrParsePacket, err)
		}
		entry.AddonID = addonID
		entry.PacketID = packetID
	}
	payload, err := view.ReadLenBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload: %s", ErrParsePacket, err)
	}
	entry.Payload = payload
	return entry, nil
}

// parseReliableBlock parses a reliable block whose type id has already
// been consumed.
func parseReliableBlock(view *bytesx.Buffer) (*ReliableBlock, error) {
	origin, err := view.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: bad block origin: %s", ErrParsePacket, err)
	}
	count, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: bad block count: %s", ErrParsePacket, err)
	}
	block := &ReliableBlock{
		Origin:  Sequence(origin),
		Entries: make([]*Entry, 0, count),
	}
	for i := 0; i < int(count); i++ {
		typeID, err := view.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated block: %s", ErrParsePacket, err)
		}
		if PacketType(typeID) == TypeReliableBlock {
			return nil, fmt.Errorf("%w: nested reliable block", ErrParsePacket)
		}
		entry, err := parseEntry(view, PacketType(typeID))
		if err != nil {
			return nil, err
		}
		block.Entries = append(block.Entries, entry)
	}
	return block, nil
}

// Log writes an origin-prefixed representation of the packet.
func (p *Packet) Log(logger Logger, direction Direction) {
	var prefix string
	switch direction {
	case DirectionIncoming:
		prefix = "< "
	case DirectionOutgoing:
		prefix = "> "
	}
	if !p.Sequenced {
		logger.Debugf("%splain entries=%d blocks=%d", prefix, len(p.Entries), len(p.Blocks))
		return
	}
	logger.Debugf(
		"%sseq=%d ack=%d ackfield=%016x entries=%d blocks=%d",
		prefix,
		p.Sequence,
		p.Ack,
		uint64(p.AckField),
		len(p.Entries),
		len(p.Blocks),
	)
}
