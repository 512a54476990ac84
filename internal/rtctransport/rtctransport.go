// Package rtctransport implements the WebRTC data channel backends.
//
// Relay pairs through a TURN server with a relay-only ICE policy and
// one ordered reliable channel, so the backend carries its own
// sequencing, reliability and congestion control. Punch hole-punches
// with STUN and an unordered zero-retransmit channel, leaving all of
// the guarantees to the engine.
//
// Both meet their peer through a [rendezvous] lobby.
package rtctransport

import (
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/minilink-dev/minilink/internal/model"
)

// defaultDialTimeout bounds signaling plus ICE when the config does
// not say otherwise.
const defaultDialTimeout = 30 * time.Second

// defaultSTUNServers are used when the config names none.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	// highWaterMark pauses outbound traffic when the channel buffers
	// this much.
	highWaterMark = 256 * 1024

	// lowWaterMark resumes outbound traffic once the buffer drains
	// below this.
	lowWaterMark = 64 * 1024
)

// ErrDial means that establishing the data channel failed.
var ErrDial = errors.New("minilink: webrtc dial failed")

// ErrSignalingLost means that the rendezvous session died before the
// data channel opened.
var ErrSignalingLost = errors.New("minilink: signaling connection lost")

// ErrNoTURNServers means that relay mode was requested without any
// TURN server to relay through.
var ErrNoTURNServers = errors.New("minilink: no turn servers configured")

// Config configures a WebRTC backend dial.
type Config struct {
	// DialTimeout bounds signaling plus ICE. Zero means the 30
	// second default.
	DialTimeout time.Duration

	// Initiator makes this side offer first. Exactly one side of a
	// lobby sets it.
	Initiator bool

	// Lobby is the rendezvous lobby both peers join.
	Lobby string

	// Logger is the logger to use. Nil means the global logger.
	Logger model.Logger

	// RendezvousURL is the websocket URL of the rendezvous server.
	RendezvousURL string

	// STUNServers are the STUN urls for punch mode. Empty means a
	// public default set.
	STUNServers []string

	// TURNPassword is the credential for the TURN servers.
	TURNPassword string

	// TURNServers are the TURN urls for relay mode.
	TURNServers []string

	// TURNUsername is the username for the TURN servers.
	TURNUsername string
}

func (c *Config) logger() model.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Log
}

func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return defaultDialTimeout
}

func (c *Config) stunServers() []string {
	if len(c.STUNServers) > 0 {
		return c.STUNServers
	}
	return defaultSTUNServers
}
