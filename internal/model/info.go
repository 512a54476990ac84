package model

//
// ClientInfo and ServerInfo
//
// The metadata exchanged over the chunk layer during the handshake.
//

import (
	"fmt"

	"github.com/minilink-dev/minilink/internal/bytesx"
)

// ProtocolVersion is the handshake protocol version we implement.
const ProtocolVersion = uint16(1)

// ChunkKind is the first byte of every chunk payload and tells the
// receiver how to interpret the remaining bytes.
type ChunkKind uint8

const (
	// ChunkKindClientInfo marks a serialized [ClientInfo].
	ChunkKindClientInfo = ChunkKind(iota + 1)

	// ChunkKindServerInfo marks a serialized [ServerInfo].
	ChunkKindServerInfo

	// ChunkKindData marks application bulk data.
	ChunkKindData
)

// String implements fmt.Stringer.
func (k ChunkKind) String() string {
	switch k {
	case ChunkKindClientInfo:
		return "client-info"
	case ChunkKindServerInfo:
		return "server-info"
	case ChunkKindData:
		return "data"
	default:
		return "unknown"
	}
}

// AddonInfo describes one addon for the handshake manifest.
type AddonInfo struct {
	// ID is the addon id, also the addon packet namespace.
	ID uint8

	// Name is the addon name.
	Name string

	// Version is the addon version string.
	Version string
}

// ClientInfo is the metadata a client announces when connecting.
type ClientInfo struct {
	// Version is the client's [ProtocolVersion].
	Version uint16

	// Name is the client display name.
	Name string

	// Token is the client's stable identity token.
	Token string

	// Addons is the client's addon manifest.
	Addons []AddonInfo
}

// Encode serializes the client info as a chunk payload.
func (ci *ClientInfo) Encode() ([]byte, error) {
	buf := bytesx.NewBuffer()
	buf.WriteUint8(uint8(ChunkKindClientInfo))
	buf.WriteUint16(ci.Version)
	buf.WriteString(ci.Name)
	buf.WriteString(ci.Token)
	if err := marshalAddons(buf, ci.Addons); err != nil {
		return nil, err
	}
	return buf.Finish()
}

// ParseClientInfo parses a client info chunk payload whose kind byte
// has already been consumed.
func ParseClientInfo(view *bytesx.Buffer) (*ClientInfo, error) {
	version, err := view.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: bad version: %s", ErrParsePacket, err)
	}
	name, err := view.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: bad name: %s", ErrParsePacket, err)
	}
	token, err := view.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: bad token: %s", ErrParsePacket, err)
	}
	addons, err := parseAddons(view)
	if err != nil {
		return nil, err
	}
	return &ClientInfo{
		Version: version,
		Name:    name,
		Token:   token,
		Addons:  addons,
	}, nil
}

// ServerInfo is the server's reply to a [ClientInfo].
type ServerInfo struct {
	// Accepted tells whether the server admitted the client.
	Accepted bool

	// Message carries the rejection reason when Accepted is false
	// and the server's message of the day otherwise.
	Message string

	// ClientID is the id assigned to the client. Only meaningful
	// when Accepted is true.
	ClientID uint16

	// Name is the server display name.
	Name string

	// Addons is the server's addon manifest.
	Addons []AddonInfo
}

// Encode serializes the server info as a chunk payload.
func (si *ServerInfo) Encode() ([]byte, error) {
	buf := bytesx.NewBuffer()
	buf.WriteUint8(uint8(ChunkKindServerInfo))
	buf.WriteBool(si.Accepted)
	buf.WriteString(si.Message)
	buf.WriteUint16(si.ClientID)
	buf.WriteString(si.Name)
	if err := marshalAddons(buf, si.Addons); err != nil {
		return nil, err
	}
	return buf.Finish()
}

// ParseServerInfo parses a server info chunk payload whose kind byte
// has already been consumed.
func ParseServerInfo(view *bytesx.Buffer) (*ServerInfo, error) {
	accepted, err := view.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("%w: bad accept flag: %s", ErrParsePacket, err)
	}
	message, err := view.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: bad message: %s", ErrParsePacket, err)
	}
	clientID, err := view.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: bad client id: %s", ErrParsePacket, err)
	}
	name, err := view.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: bad name: %s", ErrParsePacket, err)
	}
	addons, err := parseAddons(view)
	if err != nil {
		return nil, err
	}
	return &ServerInfo{
		Accepted: accepted,
		Message:  message,
		ClientID: clientID,
		Name:     name,
		Addons:   addons,
	}, nil
}

// marshalAddons appends an addon manifest.
func marshalAddons(buf *bytesx.Buffer, addons []AddonInfo) error {
	if len(addons) > 255 {
		return fmt.Errorf("%w: manifest with %d addons", ErrMarshalPacket, len(addons))
	}
	buf.WriteUint8(uint8(len(addons)))
	for _, addon := range addons {
		buf.WriteUint8(addon.ID)
		buf.WriteString(addon.Name)
		buf.WriteString(addon.Version)
	}
	return nil
}

// parseAddons parses an addon manifest.
func parseAddons(view *bytesx.Buffer) ([]AddonInfo, error) {
	count, err := view.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: bad addon count: %s", ErrParsePacket, err)
	}
	addons := make([]AddonInfo, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := view.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: bad addon id: %s", ErrParsePacket, err)
		}
		name, err := view.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: bad addon name: %s", ErrParsePacket, err)
		}
		version, err := view.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: bad addon version: %s", ErrParsePacket, err)
		}
		addons = append(addons, AddonInfo{ID: id, Name: name, Version: version})
	}
	return addons, nil
}
