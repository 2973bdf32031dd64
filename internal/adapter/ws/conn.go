// Package ws implements the WebSocket transports for the control plane:
// the coordinator-side server and the worker-side reconnecting client.
// Text frames carry one JSON envelope each.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// Conn wraps a single WebSocket connection. Writes are serialised by a
// per-connection mutex; one message per frame.
type Conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{id: uuid.NewString(), ws: ws}
}

// ID returns the transport-level connection id, used only for logging.
func (c *Conn) ID() string { return c.id }

// Send serialises and writes the message iff the transport is open.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("ws: connection %s is closed", c.id)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Close closes the transport with a normal-closure status.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// read blocks for the next frame and decodes it into an envelope. Frames
// that fail decoding are reported as ErrMalformed so read loops can drop
// them without tearing down the transport.
func (c *Conn) read(ctx context.Context) (protocol.Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return protocol.Message{}, err
		}
		return protocol.Message{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	return msg, nil
}
