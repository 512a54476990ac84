// Package dtlstransport implements the DTLS datagram backend: a
// dialer binding its own UDP socket and a listener demultiplexing one
// shared socket across remote endpoints. Both run the pion DTLS
// handshake over a [networkio.QueueConn] fed by a socket read loop.
//
// The backend moves raw datagrams and declares no native guarantees,
// so the engine layers sequencing, reliability and congestion control
// on top.
package dtlstransport

import (
	"errors"
	"time"

	"crypto/tls"

	"github.com/apex/log"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/pionlog"
	"github.com/pion/dtls/v3"
)

// defaultHandshakeTimeout bounds the DTLS handshake when the config
// does not say otherwise.
const defaultHandshakeTimeout = 20 * time.Second

// readBufferSize fits any datagram the link produces plus the DTLS
// record overhead.
const readBufferSize = 2048

// ErrDial means that dialing the remote failed.
var ErrDial = errors.New("minilink: dtls dial failed")

// ErrHandshakeTimeout means that the DTLS handshake did not complete
// within its deadline.
var ErrHandshakeTimeout = errors.New("minilink: dtls handshake timeout")

// ErrListen means that binding the listening socket failed.
var ErrListen = errors.New("minilink: dtls listen failed")

// Config configures the DTLS backend.
type Config struct {
	// Certificates are the local certificates. Servers must provide
	// at least one.
	Certificates []tls.Certificate

	// HandshakeTimeout bounds each handshake attempt. Zero means the
	// 20 second default.
	HandshakeTimeout time.Duration

	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool

	// Logger is the logger to use. Nil means the global logger.
	Logger model.Logger

	// ServerName is the name to verify on the peer certificate.
	ServerName string
}

func (c *Config) logger() model.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Log
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

// dtls maps the config to the pion config, routing pion logs through
// our logger.
func (c *Config) dtls() *dtls.Config {
	return &dtls.Config{
		Certificates:       c.Certificates,
		InsecureSkipVerify: c.InsecureSkipVerify,
		LoggerFactory:      pionlog.NewFactory(c.logger()),
		ServerName:         c.ServerName,
	}
}
