package handshake

//
// Client side
//
// Announce our ClientInfo and wait for the ServerInfo verdict.
//

import (
	"context"
	"fmt"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/update"
)

// Client negotiates the client side of the handshake on top of a
// running [update.Manager].
type Client struct {
	// config carries our identity and the addon manifest.
	config *model.Config

	// endpoint is the remote endpoint, for tracing. May be empty.
	endpoint string

	// logger is the logger to use.
	logger model.Logger

	// manager is the engine the exchange rides on.
	manager *update.Manager

	// timeout bounds the attempt. Settable in tests.
	timeout time.Duration

	// tracker tracks the attempt progress.
	tracker *stateTracker
}

// NewClient creates a handshake client. The manager's workers must be
// running before [Client.Run] is invoked.
func NewClient(config *model.Config, manager *update.Manager, endpoint string) *Client {
	return &Client{
		config:   config,
		endpoint: endpoint,
		logger:   config.Logger(),
		manager:  manager,
		timeout:  attemptTimeout,
		tracker:  newStateTracker(config, "client"),
	}
}

// State returns the attempt progress.
func (c *Client) State() State {
	return c.tracker.current()
}

// Run announces our ClientInfo through the chunk layer and waits for
// the ServerInfo reply. On acceptance it returns the server's info,
// whose ClientID is our assigned id. A refusal surfaces as
// [ErrRejected] carrying the server's message, and an attempt that
// never completes fails with [ErrHandshakeTimeout].
//
// Run owns the manager's chunk handler slot while it executes;
// callers reclaim the slot once it returns. Cancel ctx to abort, for
// example when the engine reports a terminal error.
func (c *Client) Run(ctx context.Context) (*model.ServerInfo, error) {
	c.tracker.moveTo(StateTransportReady)

	replies := make(chan *model.ServerInfo, 1)
	c.manager.RegisterChunkHandler(func(data []byte) {
		info, err := parseServerInfoChunk(data)
		if err != nil {
			c.logger.Warnf("handshake: ignoring chunk: %s", err.Error())
			return
		}
		select {
		case replies <- info:
		default:
		}
	})

	info := &model.ClientInfo{
		Version: model.ProtocolVersion,
		Name:    c.config.Name(),
		Token:   c.config.Token(),
		Addons:  c.config.Addons(),
	}
	payload, err := info.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := c.manager.SendChunk(payload); err != nil {
		return nil, err
	}
	c.tracker.moveTo(StateInfoSent)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	// POSSIBLY BLOCK waiting for the verdict
	select {
	case reply := <-replies:
		if !reply.Accepted {
			c.tracker.moveTo(StateRejected)
			return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
		}
		c.tracker.moveTo(StateRegistered)
		c.logger.Infof("handshake: registered as client %d with %s", reply.ClientID, reply.Name)
		c.config.Tracer().OnConnectionDone(c.endpoint)
		return reply, nil

	case <-timer.C:
		c.tracker.moveTo(StateTimedOut)
		return nil, ErrHandshakeTimeout

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
