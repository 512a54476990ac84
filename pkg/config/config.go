// Package config contains the public configuration for dialing and
// serving links.
package config

import (
	"crypto/tls"
	"time"

	"github.com/apex/log"
	"github.com/minilink-dev/minilink/internal/handshake"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/runtimex"
)

// Backend selects the transport backend carrying the link.
type Backend string

const (
	// BackendDTLS is DTLS over UDP, the client/server default.
	BackendDTLS = Backend("dtls")

	// BackendRelay is the TURN-relayed WebRTC backend.
	BackendRelay = Backend("relay")

	// BackendPunch is the hole-punching WebRTC backend.
	BackendPunch = Backend("punch")
)

// Config contains options to initialize a link.
type Config struct {
	// acceptPolicy decides admission on the serving side. Nil means
	// the default policy (ban store plus version gate).
	acceptPolicy handshake.Policy

	// addons is the addon manifest announced during the handshake.
	addons []model.AddonInfo

	// backend is the transport backend to use.
	backend Backend

	// certificates are the TLS certificates for the DTLS backend.
	certificates []tls.Certificate

	// dialTimeout bounds the transport dial. Zero means each
	// backend's own default.
	dialTimeout time.Duration

	// insecureSkipVerify disables certificate verification on the
	// dialing side.
	insecureSkipVerify bool

	// lobby is the rendezvous lobby for the WebRTC backends.
	lobby string

	// logger will be used to log events.
	logger model.Logger

	// motd is the message sent to accepted clients.
	motd string

	// name is the display name announced during the handshake.
	name string

	// rendezvousURL is the signaling server for the WebRTC backends.
	rendezvousURL string

	// serverAddress is the host:port to dial or listen on for the
	// DTLS backend.
	serverAddress string

	// serverName is the expected certificate name when verifying.
	serverName string

	// storagePath is the sqlite database for the serving side. Empty
	// disables persistence.
	storagePath string

	// stunServers are the STUN urls for the punch backend.
	stunServers []string

	// token is the stable identity token announced during the
	// handshake. Empty means a fresh random token.
	token string

	// tracer, if provided, observes the connection attempt.
	tracer model.Tracer

	// turnPassword is the credential for the TURN servers.
	turnPassword string

	// turnServers are the TURN urls for the relay backend.
	turnServers []string

	// turnUsername is the username for the TURN servers.
	turnUsername string
}

// NewConfig returns a Config ready to initialize a link.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		backend: BackendDTLS,
		logger:  log.Log,
		name:    "anonymous",
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize minilink.
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithTracer configures the passed [model.Tracer].
func WithTracer(tracer model.Tracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// WithBackend configures the transport backend.
func WithBackend(backend Backend) Option {
	return func(config *Config) {
		config.backend = backend
	}
}

// WithServerAddress configures the host:port the DTLS backend dials
// or listens on.
func WithServerAddress(address string) Option {
	return func(config *Config) {
		config.serverAddress = address
	}
}

// WithName configures the display name announced during the handshake.
func WithName(name string) Option {
	return func(config *Config) {
		config.name = name
	}
}

// WithToken configures the identity token announced during the
// handshake.
func WithToken(token string) Option {
	return func(config *Config) {
		config.token = token
	}
}

// WithAddons configures the addon manifest.
func WithAddons(addons ...model.AddonInfo) Option {
	return func(config *Config) {
		config.addons = addons
	}
}

// WithDialTimeout bounds the transport dial.
func WithDialTimeout(timeout time.Duration) Option {
	return func(config *Config) {
		config.dialTimeout = timeout
	}
}

// WithCertificateFiles loads a TLS certificate/key pair for the DTLS
// backend from the given PEM files.
func WithCertificateFiles(certFile, keyFile string) Option {
	return func(config *Config) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		runtimex.PanicOnError(err, "cannot load the certificate pair")
		config.certificates = append(config.certificates, cert)
	}
}

// WithCertificates configures already-loaded TLS certificates for the
// DTLS backend.
func WithCertificates(certs ...tls.Certificate) Option {
	return func(config *Config) {
		config.certificates = append(config.certificates, certs...)
	}
}

// WithInsecureSkipVerify disables certificate verification on the
// dialing side. Only for testing and closed networks.
func WithInsecureSkipVerify() Option {
	return func(config *Config) {
		config.insecureSkipVerify = true
	}
}

// WithServerName configures the expected certificate name.
func WithServerName(name string) Option {
	return func(config *Config) {
		config.serverName = name
	}
}

// WithRendezvous configures the signaling server and the lobby for
// the WebRTC backends.
func WithRendezvous(serverURL, lobby string) Option {
	return func(config *Config) {
		config.rendezvousURL = serverURL
		config.lobby = lobby
	}
}

// WithSTUNServers configures the STUN urls for the punch backend.
func WithSTUNServers(servers ...string) Option {
	return func(config *Config) {
		config.stunServers = servers
	}
}

// WithTURN configures the TURN servers and credentials for the relay
// backend.
func WithTURN(servers []string, username, password string) Option {
	return func(config *Config) {
		config.turnServers = servers
		config.turnUsername = username
		config.turnPassword = password
	}
}

// WithStoragePath configures the sqlite database path for the serving
// side.
func WithStoragePath(path string) Option {
	return func(config *Config) {
		config.storagePath = path
	}
}

// WithMOTD configures the message sent to accepted clients.
func WithMOTD(motd string) Option {
	return func(config *Config) {
		config.motd = motd
	}
}

// WithAcceptPolicy configures the admission policy on the serving
// side, replacing the default ban-store check.
func WithAcceptPolicy(policy handshake.Policy) Option {
	return func(config *Config) {
		config.acceptPolicy = policy
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// Tracer returns the configured tracer, possibly nil.
func (c *Config) Tracer() model.Tracer {
	return c.tracer
}

// Backend returns the configured backend.
func (c *Config) Backend() Backend {
	return c.backend
}

// ServerAddress returns the configured server address.
func (c *Config) ServerAddress() string {
	return c.serverAddress
}

// Name returns the configured display name.
func (c *Config) Name() string {
	return c.name
}

// Token returns the configured identity token.
func (c *Config) Token() string {
	return c.token
}

// Addons returns the configured addon manifest.
func (c *Config) Addons() []model.AddonInfo {
	return c.addons
}

// DialTimeout returns the configured dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return c.dialTimeout
}

// Certificates returns the configured TLS certificates.
func (c *Config) Certificates() []tls.Certificate {
	return c.certificates
}

// InsecureSkipVerify tells whether certificate verification is off.
func (c *Config) InsecureSkipVerify() bool {
	return c.insecureSkipVerify
}

// ServerName returns the expected certificate name.
func (c *Config) ServerName() string {
	return c.serverName
}

// RendezvousURL returns the configured signaling server.
func (c *Config) RendezvousURL() string {
	return c.rendezvousURL
}

// Lobby returns the configured rendezvous lobby.
func (c *Config) Lobby() string {
	return c.lobby
}

// STUNServers returns the configured STUN urls.
func (c *Config) STUNServers() []string {
	return c.stunServers
}

// TURNServers returns the configured TURN urls.
func (c *Config) TURNServers() []string {
	return c.turnServers
}

// TURNUsername returns the configured TURN username.
func (c *Config) TURNUsername() string {
	return c.turnUsername
}

// TURNPassword returns the configured TURN credential.
func (c *Config) TURNPassword() string {
	return c.turnPassword
}

// StoragePath returns the configured sqlite path.
func (c *Config) StoragePath() string {
	return c.storagePath
}

// MOTD returns the configured message of the day.
func (c *Config) MOTD() string {
	return c.motd
}

// AcceptPolicy returns the configured admission policy, possibly nil.
func (c *Config) AcceptPolicy() handshake.Policy {
	return c.acceptPolicy
}

// ModelConfig builds the internal configuration shared by the link
// services.
func (c *Config) ModelConfig() *model.Config {
	options := []model.Option{
		model.WithLogger(c.logger),
		model.WithName(c.name),
		model.WithAddons(c.addons),
	}
	if c.token != "" {
		options = append(options, model.WithToken(c.token))
	}
	if c.tracer != nil {
		options = append(options, model.WithTracer(c.tracer))
	}
	return model.NewConfig(options...)
}
