package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// fakeConn records sent messages and close calls.
type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func (c *fakeConn) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) lastAck(t *testing.T) protocol.RegisterAckPayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == protocol.TypeWorkerRegisterAck {
			var ack protocol.RegisterAckPayload
			if err := protocol.DecodePayload(c.sent[i], &ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			return ack
		}
	}
	t.Fatal("no register ack sent")
	return protocol.RegisterAckPayload{}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func register(t *testing.T, r *Registry, name string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	err := r.Register(context.Background(), conn, protocol.RegisterPayload{
		Name:            name,
		Secret:          "hunter2",
		OS:              "linux",
		Runtime:         "go1.25.0",
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return conn
}

func TestRegisterWrongSecret(t *testing.T) {
	var connected int
	r := New("hunter2", time.Second, Callbacks{
		OnConnected: func(worker.Worker) { connected++ },
	}, nil)

	conn := &fakeConn{}
	err := r.Register(context.Background(), conn, protocol.RegisterPayload{
		Name:   "w1",
		Secret: "wrong",
	})
	if !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}

	ack := conn.lastAck(t)
	if ack.Success {
		t.Fatal("ack should carry success:false")
	}
	if !conn.isClosed() {
		t.Fatal("transport should be closed")
	}
	if r.Count() != 0 {
		t.Fatalf("worker must not be recorded, count %d", r.Count())
	}
	if connected != 0 {
		t.Fatal("OnConnected must not fire")
	}
}

func TestRegisterSuccess(t *testing.T) {
	var connected []worker.Worker
	r := New("hunter2", time.Second, Callbacks{
		OnConnected: func(w worker.Worker) { connected = append(connected, w) },
	}, nil)

	conn := register(t, r, "w1")

	ack := conn.lastAck(t)
	if !ack.Success || ack.ProtocolVersion != protocol.Version {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(connected) != 1 || connected[0].Name != "w1" {
		t.Fatalf("OnConnected mismatch: %+v", connected)
	}

	w, ok := r.Get("w1")
	if !ok || w.Status != worker.StatusOnline || w.OS != "linux" {
		t.Fatalf("unexpected worker record: %+v", w)
	}
}

func TestReRegistrationReplacesTransport(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)

	first := register(t, r, "w1")
	second := register(t, r, "w1")

	if !first.isClosed() {
		t.Fatal("old transport should be closed on re-registration")
	}
	if second.isClosed() {
		t.Fatal("new transport must stay open")
	}
	if r.Count() != 1 {
		t.Fatalf("expected a single record, got %d", r.Count())
	}
}

func TestRoundRobinSelection(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)
	register(t, r, "w1")
	register(t, r, "w2")
	register(t, r, "w3")

	var got []string
	for i := 0; i < 4; i++ {
		name, ok := r.Available("")
		if !ok {
			t.Fatalf("pick %d: no worker", i)
		}
		got = append(got, name)
	}
	want := []string{"w1", "w2", "w3", "w1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round robin order %v, want %v", got, want)
		}
	}
}

func TestAvailableSkipsBusyWorkers(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)
	register(t, r, "w1")
	register(t, r, "w2")

	if err := r.MarkBusy("w1", "task-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	for i := 0; i < 3; i++ {
		name, ok := r.Available("")
		if !ok || name != "w2" {
			t.Fatalf("expected w2 while w1 is busy, got %q %v", name, ok)
		}
	}

	r.Release("w1")
	w, _ := r.Get("w1")
	if w.Status != worker.StatusOnline || w.CurrentTaskID != "" {
		t.Fatalf("release should restore online/idle, got %+v", w)
	}
}

func TestAvailablePreferred(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)
	register(t, r, "w1")
	register(t, r, "w2")

	name, ok := r.Available("w2")
	if !ok || name != "w2" {
		t.Fatalf("expected preferred w2, got %q", name)
	}

	// A busy preferred worker falls back to round-robin.
	if err := r.MarkBusy("w2", "task-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	name, ok = r.Available("w2")
	if !ok || name != "w1" {
		t.Fatalf("expected fallback to w1, got %q", name)
	}
}

func TestAvailableNoWorkers(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)
	if _, ok := r.Available(""); ok {
		t.Fatal("expected no worker")
	}
}

func TestHeartbeatUpdatesRecord(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)
	conn := register(t, r, "w1")

	before, _ := r.Get("w1")
	time.Sleep(5 * time.Millisecond)

	err := r.Heartbeat(context.Background(), "w1", protocol.HeartbeatPayload{
		Status: "busy",
		TaskID: "task-3",
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	after, _ := r.Get("w1")
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Fatal("heartbeat should refresh LastHeartbeat")
	}
	if after.CurrentTaskID != "task-3" {
		t.Fatalf("heartbeat should update current task, got %q", after.CurrentTaskID)
	}

	conn.mu.Lock()
	acked := false
	for _, m := range conn.sent {
		if m.Type == protocol.TypeWorkerHeartbeatAck {
			acked = true
		}
	}
	conn.mu.Unlock()
	if !acked {
		t.Fatal("heartbeat should be acked")
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := New("hunter2", time.Second, Callbacks{}, nil)
	err := r.Heartbeat(context.Background(), "ghost", protocol.HeartbeatPayload{})
	if !errors.Is(err, domain.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestDisconnectFiresCallbackWithRunningTask(t *testing.T) {
	type event struct {
		id      string
		hadTask bool
	}
	var events []event
	r := New("hunter2", time.Second, Callbacks{
		OnDisconnected: func(id string, hadTask bool) {
			events = append(events, event{id, hadTask})
		},
	}, nil)

	conn := register(t, r, "w1")
	if err := r.MarkBusy("w1", "task-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	r.Disconnect(conn)

	if len(events) != 1 || events[0].id != "w1" || !events[0].hadTask {
		t.Fatalf("unexpected disconnect events: %+v", events)
	}
	if r.Count() != 0 {
		t.Fatalf("worker should be removed, count %d", r.Count())
	}
	if _, ok := r.Available(""); ok {
		t.Fatal("removed worker must not be selectable")
	}
}

func TestWatchdogExpiryRemovesWorker(t *testing.T) {
	done := make(chan struct{})
	r := New("hunter2", 20*time.Millisecond, Callbacks{
		OnDisconnected: func(string, bool) { close(done) },
	}, nil)

	register(t, r, "w1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	if r.Count() != 0 {
		t.Fatalf("expired worker should be removed, count %d", r.Count())
	}
}

func TestHeartbeatRearmsWatchdog(t *testing.T) {
	var removed bool
	var mu sync.Mutex
	r := New("hunter2", 30*time.Millisecond, Callbacks{
		OnDisconnected: func(string, bool) {
			mu.Lock()
			removed = true
			mu.Unlock()
		},
	}, nil)

	register(t, r, "w1")

	// Keep heartbeating past the original watchdog deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		if err := r.Heartbeat(context.Background(), "w1", protocol.HeartbeatPayload{Status: "online"}); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if removed {
		t.Fatal("heartbeats should keep the worker alive")
	}
}
