// Package storage persists the server's peer registry and ban list
// in a sqlite database.
//
// A nil [*Store] is valid and disables persistence: registry methods
// become no-ops and lookups report nothing found.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrOpen means we could not open or initialize the database.
var ErrOpen = errors.New("minilink: cannot open the storage database")

// ErrQuery means a storage statement failed.
var ErrQuery = errors.New("minilink: storage query failed")

const schema = `
CREATE TABLE IF NOT EXISTS peers (
	token TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	first_seen TIMESTAMP NOT NULL,
	last_seen TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS bans (
	host TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Store gives access to the peer registry and the ban list. The
// zero value is not usable, construct with [Open].
type Store struct {
	// db is the underlying database handle.
	db *sql.DB

	// timeNow is overridable in tests.
	timeNow func() time.Time
}

// Open opens the sqlite database at path, creating the schema when
// needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOpen, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, err)
	}
	return &Store{
		db:      db,
		timeNow: time.Now,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Peer is one row of the peer registry.
type Peer struct {
	// Token is the peer's stable identity token.
	Token string

	// Name is the name the peer last registered under.
	Name string

	// FirstSeen is when we first registered this token.
	FirstSeen time.Time

	// LastSeen is when we last registered this token.
	LastSeen time.Time
}

// RegisterPeer upserts a registry row for the given token: a new
// token is recorded with first_seen set to now, a returning one keeps
// its first_seen and refreshes name and last_seen.
func (s *Store) RegisterPeer(token, name string) error {
	if s == nil {
		return nil
	}
	now := s.timeNow().UTC()
	_, err := s.db.Exec(`INSERT INTO peers (token, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			name = excluded.name,
			last_seen = excluded.last_seen;`,
		token, name, now, now)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrQuery, err)
	}
	return nil
}

// Peers returns the registry ordered by last_seen, most recent first.
func (s *Store) Peers() ([]Peer, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT token, name, first_seen, last_seen FROM peers ORDER BY last_seen DESC;`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuery, err)
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		var peer Peer
		if err := rows.Scan(&peer.Token, &peer.Name, &peer.FirstSeen, &peer.LastSeen); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrQuery, err)
		}
		out = append(out, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuery, err)
	}
	return out, nil
}

// Ban is one row of the ban list.
type Ban struct {
	// Host is the banned host.
	Host string

	// Reason is why the host was banned.
	Reason string

	// CreatedAt is when the ban was recorded.
	CreatedAt time.Time
}

// AddBan bans a host. The endpoint may carry a port, which we strip,
// so banning "9.9.9.9" matches a peer connecting from "9.9.9.9:5173".
func (s *Store) AddBan(endpoint, reason string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO bans (host, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			reason = excluded.reason;`,
		canonicalHost(endpoint), reason, s.timeNow().UTC())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrQuery, err)
	}
	return nil
}

// RemoveBan lifts the ban on a host, if any.
func (s *Store) RemoveBan(endpoint string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM bans WHERE host = ?;`, canonicalHost(endpoint))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrQuery, err)
	}
	return nil
}

// IsBanned tells whether the host behind the given endpoint is banned
// and, when it is, the recorded reason.
func (s *Store) IsBanned(endpoint string) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	var reason string
	err := s.db.QueryRow(`SELECT reason FROM bans WHERE host = ?;`,
		canonicalHost(endpoint)).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrQuery, err)
	}
	return reason, true, nil
}

// Bans returns the ban list ordered by creation time, most recent
// first.
func (s *Store) Bans() ([]Ban, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT host, reason, created_at FROM bans ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuery, err)
	}
	defer rows.Close()
	var out []Ban
	for rows.Next() {
		var ban Ban
		if err := rows.Scan(&ban.Host, &ban.Reason, &ban.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrQuery, err)
		}
		out = append(out, ban)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuery, err)
	}
	return out, nil
}

// canonicalHost reduces an endpoint to its host so that bans ignore
// the ephemeral port.
func canonicalHost(endpoint string) string {
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
