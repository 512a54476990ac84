// Package rendezvous implements the websocket signaling the WebRTC
// backends use to pair up and exchange session descriptions and ICE
// candidates. The server only relays signaling: once the peers connect
// directly it is out of the path.
package rendezvous

// Op enumerates the signaling operations.
type Op string

const (
	// OpJoin registers the sender in a lobby.
	OpJoin = Op("join")

	// OpOffer relays an SDP offer to the lobby peer.
	OpOffer = Op("offer")

	// OpAnswer relays an SDP answer to the lobby peer.
	OpAnswer = Op("answer")

	// OpCandidate relays one ICE candidate to the lobby peer.
	OpCandidate = Op("candidate")

	// OpPeerJoined announces the lobby peer to the sender.
	OpPeerJoined = Op("peer-joined")
)

// Message is the JSON envelope exchanged over the websocket.
type Message struct {
	// Op is the operation.
	Op Op `json:"op"`

	// Lobby is the lobby id.
	Lobby string `json:"lobby"`

	// From is the id of the sending client.
	From string `json:"from,omitempty"`

	// Payload carries the SDP or the JSON encoded ICE candidate.
	Payload string `json:"payload,omitempty"`
}
