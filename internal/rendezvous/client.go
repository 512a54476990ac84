package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/minilink-dev/minilink/internal/model"
	"golang.org/x/sync/errgroup"
)

// queueSize bounds the client pump queues.
const queueSize = 32

// ErrJoin means that dialing the rendezvous server failed.
var ErrJoin = errors.New("minilink: rendezvous join failed")

// Client is one signaling session: a websocket to the rendezvous
// server, joined to a lobby under a fresh uuid, with read and write
// pumps moving messages in the background.
type Client struct {
	// closeOnce ensures we close just once.
	closeOnce sync.Once

	// conn is the websocket.
	conn *websocket.Conn

	// hangup is closed when the client is closed.
	hangup chan any

	// incoming queues inbound messages for the consumer.
	incoming chan Message

	// lobby is the joined lobby id.
	lobby string

	// logger logs signaling events.
	logger model.Logger

	// outgoing queues messages for the write pump.
	outgoing chan Message

	// self is our client id.
	self string
}

// Join dials the rendezvous server and joins the given lobby under a
// fresh client id.
func Join(ctx context.Context, logger model.Logger, serverURL, lobbyID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJoin, err)
	}
	client := &Client{
		closeOnce: sync.Once{},
		conn:      conn,
		hangup:    make(chan any),
		incoming:  make(chan Message, queueSize),
		lobby:     lobbyID,
		logger:    logger,
		outgoing:  make(chan Message, queueSize),
		self:      uuid.NewString(),
	}

	// the pumps are not running yet, so this write cannot race them
	if err := conn.WriteJSON(&Message{Op: OpJoin, Lobby: lobbyID, From: client.self}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrJoin, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		defer client.Close()
		return client.readPump()
	})
	g.Go(func() error {
		defer client.Close()
		return client.writePump()
	})
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debugf("rendezvous: session over: %s", err)
		}
	}()
	return client, nil
}

// Self returns our client id.
func (c *Client) Self() string {
	return c.self
}

// Lobby returns the joined lobby id.
func (c *Client) Lobby() string {
	return c.lobby
}

// Send relays an operation to the lobby peer through the server.
func (c *Client) Send(op Op, payload string) error {
	select {
	case <-c.hangup:
		return net.ErrClosed
	default:
	}
	msg := Message{Op: op, Lobby: c.lobby, From: c.self, Payload: payload}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.hangup:
		return net.ErrClosed
	}
}

// Receive returns the inbound message channel. The channel is never
// closed; select on [Client.Done] as well.
func (c *Client) Receive() <-chan Message {
	return c.incoming
}

// AwaitPeer blocks until another client joins the lobby and returns
// its id.
func (c *Client) AwaitPeer(ctx context.Context) (string, error) {
	for {
		select {
		case msg := <-c.incoming:
			if msg.Op == OpPeerJoined {
				return msg.From, nil
			}
			c.logger.Debugf("rendezvous: awaiting peer: ignoring %q", msg.Op)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.hangup:
			return "", net.ErrClosed
		}
	}
}

// Done returns a channel closed once the client is closed.
func (c *Client) Done() <-chan any {
	return c.hangup
}

// Close tears down the websocket. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.hangup)
		c.conn.Close()
	})
	return nil
}

func (c *Client) readPump() error {
	for {
		// POSSIBLY BLOCK reading the next message
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.hangup:
				return net.ErrClosed
			default:
				return err
			}
		}
		select {
		case c.incoming <- msg:
		case <-c.hangup:
			return net.ErrClosed
		}
	}
}

func (c *Client) writePump() error {
	for {
		select {
		case msg := <-c.outgoing:
			if err := c.conn.WriteJSON(&msg); err != nil {
				return err
			}
		case <-c.hangup:
			return net.ErrClosed
		}
	}
}
