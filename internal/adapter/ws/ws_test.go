package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/CodeRelay/internal/protocol"
)

func TestJitterBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 200; i++ {
		d := jitter(base)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter out of ±20%% bounds: %v", d)
		}
	}
}

// echoHandler acks registers and records everything else.
type echoHandler struct {
	mu       sync.Mutex
	received []protocol.Message
	closed   int
}

func (h *echoHandler) HandleMessage(ctx context.Context, conn *Conn, msg protocol.Message) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()

	if msg.Type == protocol.TypeWorkerRegister {
		ack, _ := protocol.New(protocol.TypeWorkerRegisterAck, protocol.RegisterAckPayload{
			Success:         true,
			ProtocolVersion: protocol.Version,
		})
		_ = conn.Send(ctx, ack)
	}
}

func (h *echoHandler) HandleClose(*Conn) {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

// clientProbe drives one register handshake and records the ack.
type clientProbe struct {
	acks chan protocol.RegisterAckPayload
}

func (p *clientProbe) OnConnect(ctx context.Context, conn *Conn) error {
	msg, err := protocol.New(protocol.TypeWorkerRegister, protocol.RegisterPayload{
		Name:            "w1",
		Secret:          "hunter2",
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		return err
	}
	return conn.Send(ctx, msg)
}

func (p *clientProbe) HandleMessage(_ context.Context, _ *Conn, msg protocol.Message) {
	if msg.Type != protocol.TypeWorkerRegisterAck {
		return
	}
	var ack protocol.RegisterAckPayload
	if err := protocol.DecodePayload(msg, &ack); err != nil {
		return
	}
	select {
	case p.acks <- ack:
	default:
	}
}

func (p *clientProbe) OnDisconnect() {}

func TestClientServerHandshake(t *testing.T) {
	handler := &echoHandler{}
	server := NewServer(handler, 2*time.Second, nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	defer httpSrv.Close()

	probe := &clientProbe{acks: make(chan protocol.RegisterAckPayload, 1)}
	client := NewClient(httpSrv.URL, probe, 50*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case ack := <-probe.acks:
		if !ack.Success {
			t.Fatalf("expected successful ack, got %+v", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no register ack received")
	}

	handler.mu.Lock()
	gotRegister := len(handler.received) > 0 && handler.received[0].Type == protocol.TypeWorkerRegister
	handler.mu.Unlock()
	if !gotRegister {
		t.Fatal("server did not receive the register")
	}
}

func TestServerClosesSilentConnection(t *testing.T) {
	handler := &echoHandler{}
	server := NewServer(handler, 50*time.Millisecond, nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	defer httpSrv.Close()

	probe := &clientProbe{acks: make(chan protocol.RegisterAckPayload, 1)}
	// silentProbe never sends the register.
	silent := &silentProbe{inner: probe, disconnected: make(chan struct{}, 1)}
	client := NewClient(httpSrv.URL, silent, 10*time.Second, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case <-silent.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("server should close an unauthenticated connection")
	}
}

type silentProbe struct {
	inner        *clientProbe
	disconnected chan struct{}
}

func (p *silentProbe) OnConnect(context.Context, *Conn) error { return nil }

func (p *silentProbe) HandleMessage(ctx context.Context, conn *Conn, msg protocol.Message) {
	p.inner.HandleMessage(ctx, conn, msg)
}

func (p *silentProbe) OnDisconnect() {
	select {
	case p.disconnected <- struct{}{}:
	default:
	}
}
