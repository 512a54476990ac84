package rendezvous

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/minilink-dev/minilink/internal/model"
)

// lobbyCapacity is how many clients fit one lobby. Signaling pairs
// exactly two peers.
const lobbyCapacity = 2

// Server relays signaling messages between the members of a lobby. It
// is an [http.Handler], so it can be mounted into any mux, including
// the httptest server the tests use.
//
// The zero value is invalid; use [NewServer].
type Server struct {
	// lobbies maps lobby ids to their members.
	lobbies map[string]*lobby

	// logger logs signaling events.
	logger model.Logger

	// mu guards lobbies.
	mu sync.Mutex

	// upgrader upgrades HTTP requests to websockets.
	upgrader websocket.Upgrader
}

// lobby is the set of members of one lobby, keyed by client id.
type lobby struct {
	members map[string]*member
}

// member wraps one websocket with a write lock, since the websocket
// allows a single concurrent writer.
type member struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (m *member) write(msg *Message) error {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.conn.WriteJSON(msg)
}

var _ http.Handler = &Server{}

// NewServer creates a [Server].
func NewServer(logger model.Logger) *Server {
	return &Server{
		lobbies: make(map[string]*lobby),
		logger:  logger,
		mu:      sync.Mutex{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("rendezvous: upgrade: %s", err)
		return
	}
	s.serveConn(conn)
}

// serveConn reads one client until it hangs up, relaying its messages
// to the lobby peer.
func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	me := &member{conn: conn, mu: sync.Mutex{}}
	var joined *Message
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Op {
		case OpJoin:
			if joined != nil {
				continue
			}
			if !s.join(&msg, me) {
				s.logger.Infof("rendezvous: lobby %s is full", msg.Lobby)
				me.mu.Lock()
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(
					websocket.ClosePolicyViolation, "lobby full"))
				me.mu.Unlock()
				return
			}
			accepted := msg
			joined = &accepted
		case OpOffer, OpAnswer, OpCandidate:
			if joined == nil {
				continue
			}
			// identity and lobby come from the join, not the wire
			msg.From = joined.From
			msg.Lobby = joined.Lobby
			s.relay(&msg)
		default:
			s.logger.Debugf("rendezvous: ignoring op %q", msg.Op)
		}
	}
	if joined != nil {
		s.leave(joined.Lobby, joined.From)
	}
}

// join adds the member to the lobby, creating it on first use, and
// announces the pairing both ways. It returns false when the lobby is
// full.
func (s *Server) join(msg *Message, me *member) bool {
	s.mu.Lock()
	room := s.lobbies[msg.Lobby]
	if room == nil {
		room = &lobby{members: make(map[string]*member)}
		s.lobbies[msg.Lobby] = room
	}
	if len(room.members) >= lobbyCapacity {
		s.mu.Unlock()
		return false
	}
	peers := make(map[string]*member, len(room.members))
	for id, other := range room.members {
		peers[id] = other
	}
	room.members[msg.From] = me
	s.mu.Unlock()

	s.logger.Infof("rendezvous: %s joined lobby %s", msg.From, msg.Lobby)
	for id, other := range peers {
		if err := other.write(&Message{Op: OpPeerJoined, Lobby: msg.Lobby, From: msg.From}); err != nil {
			s.logger.Debugf("rendezvous: announce: %s", err)
		}
		if err := me.write(&Message{Op: OpPeerJoined, Lobby: msg.Lobby, From: id}); err != nil {
			s.logger.Debugf("rendezvous: announce: %s", err)
		}
	}
	return true
}

// relay forwards a message to every lobby member except its sender.
func (s *Server) relay(msg *Message) {
	s.mu.Lock()
	var targets []*member
	if room := s.lobbies[msg.Lobby]; room != nil {
		for id, other := range room.members {
			if id != msg.From {
				targets = append(targets, other)
			}
		}
	}
	s.mu.Unlock()
	for _, target := range targets {
		if err := target.write(msg); err != nil {
			s.logger.Debugf("rendezvous: relay: %s", err)
		}
	}
}

// leave removes a member, dropping the lobby once empty.
func (s *Server) leave(lobbyID, from string) {
	defer s.mu.Unlock()
	s.mu.Lock()
	room := s.lobbies[lobbyID]
	if room == nil {
		return
	}
	delete(room.members, from)
	if len(room.members) == 0 {
		delete(s.lobbies, lobbyID)
	}
}
