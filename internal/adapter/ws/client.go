package ws

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// ClientHandler receives transport lifecycle and message callbacks on the
// worker side.
type ClientHandler interface {
	// OnConnect runs right after the transport opens; it sends the register
	// handshake. Returning an error abandons the connection.
	OnConnect(ctx context.Context, conn *Conn) error

	// HandleMessage processes one inbound envelope.
	HandleMessage(ctx context.Context, conn *Conn, msg protocol.Message)

	// OnDisconnect is invoked once when the connection is lost.
	OnDisconnect()
}

// Client maintains a connection to the coordinator, reconnecting on close
// with exponential backoff and jitter. The register handshake re-runs from
// scratch on every reconnect; work in progress at disconnect time is lost.
type Client struct {
	url     string
	handler ClientHandler
	base    time.Duration
	cap     time.Duration
	log     *slog.Logger

	established atomic.Bool
}

// NewClient creates a reconnecting transport client.
func NewClient(url string, handler ClientHandler, base, capDur time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if base <= 0 {
		base = time.Second
	}
	if capDur <= 0 {
		capDur = 60 * time.Second
	}
	return &Client{url: url, handler: handler, base: base, cap: capDur, log: log}
}

// MarkEstablished resets the backoff schedule; the runner calls it after a
// successful register ack.
func (c *Client) MarkEstablished() {
	c.established.Store(true)
}

// Run connects and reads until ctx is cancelled, sleeping between attempts.
func (c *Client) Run(ctx context.Context) error {
	delay := c.base

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.established.Store(false)
		err := c.runOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		}

		if c.established.Load() {
			delay = c.base
		}

		wait := jitter(delay)
		c.log.Info("reconnecting to coordinator", "url", c.url, "in", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > c.cap {
			delay = c.cap
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	sock, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}

	conn := newConn(sock)
	defer func() {
		_ = conn.Close("")
		c.handler.OnDisconnect()
	}()

	if err := c.handler.OnConnect(ctx, conn); err != nil {
		return err
	}

	for {
		msg, err := conn.read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.log.Warn("dropping malformed envelope", "error", err)
				continue
			}
			return err
		}
		c.handler.HandleMessage(ctx, conn, msg)
	}
}

// jitter spreads a delay by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
