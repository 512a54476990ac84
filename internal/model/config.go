package model

import (
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Config contains options shared by the link services.
type Config struct {
	// logger will be used to log events.
	logger Logger

	// if a tracer is provided, it will be used to observe the
	// connection attempt.
	tracer Tracer

	// name is the display name announced during the handshake.
	name string

	// token is the stable identity token announced during the handshake.
	token string

	// addons are the addons announced during the handshake. Addon
	// ids are also the namespace for addon packet registration.
	addons []AddonInfo
}

// NewConfig returns a Config ready to initialize the link services.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		logger: log.Log,
		tracer: &dummyTracer{},
		name:   "anonymous",
		token:  uuid.NewString(),
		addons: []AddonInfo{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize the link services.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithTracer configures the passed [Tracer].
func WithTracer(tracer Tracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// WithName configures the display name announced during the handshake.
func WithName(name string) Option {
	return func(config *Config) {
		config.name = name
	}
}

// WithToken configures the identity token announced during the handshake.
func WithToken(token string) Option {
	return func(config *Config) {
		config.token = token
	}
}

// WithAddons configures the addons announced during the handshake.
func WithAddons(addons []AddonInfo) Option {
	return func(config *Config) {
		config.addons = addons
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() Logger {
	return c.logger
}

// Tracer returns the configured tracer.
func (c *Config) Tracer() Tracer {
	return c.tracer
}

// Name returns the configured display name.
func (c *Config) Name() string {
	return c.name
}

// Token returns the configured identity token.
func (c *Config) Token() string {
	return c.token
}

// Addons returns the configured addons.
func (c *Config) Addons() []AddonInfo {
	return c.addons
}

// HasAddon returns true when an addon with the given id is configured.
func (c *Config) HasAddon(id uint8) bool {
	for _, addon := range c.addons {
		if addon.ID == id {
			return true
		}
	}
	return false
}
