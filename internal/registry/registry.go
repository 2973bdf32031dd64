// Package registry tracks connected workers on the coordinator: it
// authenticates registration, supervises heartbeats, routes outbound
// messages, and selects workers for dispatch.
package registry

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// Conn is the transport handle the registry holds per worker.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Close(reason string) error
}

// Callbacks observe registry membership changes. Fired on the transition
// path; implementations must not block.
type Callbacks struct {
	OnConnected    func(w worker.Worker)
	OnDisconnected func(workerID string, hadRunningTask bool)
}

type entry struct {
	w        *worker.Worker
	conn     Conn
	watchdog *time.Timer
}

// Registry owns every Worker record and its transport handle.
type Registry struct {
	secret            string
	heartbeatInterval time.Duration
	cb                Callbacks
	log               *slog.Logger

	mu      sync.Mutex
	workers map[string]*entry
	order   []string // registration order, for round-robin
	rr      int
}

// New creates a Registry authenticating against the given shared secret.
// The heartbeat watchdog fires after twice the heartbeat interval.
func New(secret string, heartbeatInterval time.Duration, cb Callbacks, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Registry{
		secret:            secret,
		heartbeatInterval: heartbeatInterval,
		cb:                cb,
		log:               log,
		workers:           make(map[string]*entry),
	}
}

// Register authenticates a worker:register payload. On mismatch it sends an
// ack with success:false and closes the transport. On success it allocates
// or replaces the worker record, arms the heartbeat watchdog, and acks.
func (r *Registry) Register(ctx context.Context, conn Conn, p protocol.RegisterPayload) error {
	if subtle.ConstantTimeCompare([]byte(p.Secret), []byte(r.secret)) != 1 {
		ack, _ := protocol.New(protocol.TypeWorkerRegisterAck, protocol.RegisterAckPayload{
			Success:         false,
			Message:         "invalid shared secret",
			ProtocolVersion: protocol.Version,
		})
		_ = conn.Send(ctx, ack)
		_ = conn.Close("auth failure")
		r.log.Warn("worker registration rejected", "worker_id", p.Name)
		return fmt.Errorf("register %s: %w", p.Name, domain.ErrAuthFailure)
	}

	if p.ProtocolVersion != protocol.Version {
		r.log.Warn("protocol version mismatch",
			"worker_id", p.Name,
			"worker_version", p.ProtocolVersion,
			"coordinator_version", protocol.Version,
		)
	}

	now := time.Now()
	w := &worker.Worker{
		Name:          p.Name,
		Status:        worker.StatusOnline,
		OS:            p.OS,
		Runtime:       p.Runtime,
		DefaultCwd:    p.DefaultCwd,
		AllowedDirs:   p.AllowedDirs,
		LastHeartbeat: now,
		ConnectedAt:   now,
	}

	r.mu.Lock()
	if old, ok := r.workers[p.Name]; ok {
		// Re-registration replaces the previous transport.
		old.watchdog.Stop()
		_ = old.conn.Close("replaced by new registration")
	} else {
		r.order = append(r.order, p.Name)
	}
	e := &entry{w: w, conn: conn}
	e.watchdog = time.AfterFunc(2*r.heartbeatInterval, func() {
		r.expire(p.Name)
	})
	r.workers[p.Name] = e
	snapshot := *w
	r.mu.Unlock()

	ack, err := protocol.New(protocol.TypeWorkerRegisterAck, protocol.RegisterAckPayload{
		Success:         true,
		ProtocolVersion: protocol.Version,
	})
	if err == nil {
		_ = conn.Send(ctx, ack)
	}

	r.log.Info("worker registered", "worker_id", p.Name, "os", p.OS, "runtime", p.Runtime)
	if r.cb.OnConnected != nil {
		r.cb.OnConnected(snapshot)
	}
	return nil
}

// Heartbeat refreshes the worker's liveness, updates its current task id
// from the payload, rearms the watchdog, and acks.
func (r *Registry) Heartbeat(ctx context.Context, name string, p protocol.HeartbeatPayload) error {
	r.mu.Lock()
	e, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat %s: %w", name, domain.ErrWorkerNotFound)
	}
	e.w.LastHeartbeat = time.Now()
	e.w.CurrentTaskID = p.TaskID
	e.watchdog.Reset(2 * r.heartbeatInterval)
	conn := e.conn
	r.mu.Unlock()

	ack, err := protocol.New(protocol.TypeWorkerHeartbeatAck, protocol.HeartbeatAckPayload{})
	if err == nil {
		_ = conn.Send(ctx, ack)
	}
	return nil
}

// Disconnect removes the worker owning the given transport handle. Used by
// the server when a socket closes.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	name := ""
	for n, e := range r.workers {
		if e.conn == conn {
			name = n
			break
		}
	}
	r.mu.Unlock()
	if name != "" {
		r.remove(name, "transport closed")
	}
}

// expire handles a heartbeat watchdog firing; treated identically to a
// socket close.
func (r *Registry) expire(name string) {
	r.remove(name, "heartbeat timeout")
}

func (r *Registry) remove(name, reason string) {
	r.mu.Lock()
	e, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.watchdog.Stop()
	delete(r.workers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	hadTask := e.w.CurrentTaskID != ""
	e.w.Status = worker.StatusOffline
	conn := e.conn
	r.mu.Unlock()

	_ = conn.Close(reason)
	r.log.Info("worker removed", "worker_id", name, "reason", reason, "had_running_task", hadTask)
	if r.cb.OnDisconnected != nil {
		r.cb.OnDisconnected(name, hadTask)
	}
}

// Available returns the preferred worker if it is online, otherwise the
// next online worker by round-robin over the current membership. The index
// wraps naturally when membership shrinks.
func (r *Registry) Available(preferred string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred != "" {
		if e, ok := r.workers[preferred]; ok && e.w.Available() {
			return preferred, true
		}
	}

	n := len(r.order)
	if n == 0 {
		return "", false
	}
	start := r.rr % n
	for i := range n {
		name := r.order[(start+i)%n]
		if e := r.workers[name]; e != nil && e.w.Available() {
			r.rr = start + i + 1
			return name, true
		}
	}
	return "", false
}

// SendToWorker serialises and writes iff the worker's transport is open.
// Returns success without buffering.
func (r *Registry) SendToWorker(ctx context.Context, name string, msg protocol.Message) bool {
	r.mu.Lock()
	e, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := e.conn.Send(ctx, msg); err != nil {
		r.log.Warn("send to worker failed", "worker_id", name, "type", msg.Type, "error", err)
		return false
	}
	return true
}

// MarkBusy records that the worker is running the given task.
func (r *Registry) MarkBusy(name, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("mark busy %s: %w", name, domain.ErrWorkerNotFound)
	}
	if e.w.CurrentTaskID != "" && e.w.CurrentTaskID != taskID {
		return fmt.Errorf("mark busy %s: %w", name, domain.ErrWorkerBusy)
	}
	e.w.Status = worker.StatusBusy
	e.w.CurrentTaskID = taskID
	return nil
}

// Release returns the worker to the online pool after a terminal task
// transition.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[name]; ok {
		e.w.Status = worker.StatusOnline
		e.w.CurrentTaskID = ""
	}
}

// Get returns a snapshot of the named worker.
func (r *Registry) Get(name string) (worker.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[name]; ok {
		return *e.w, true
	}
	return worker.Worker{}, false
}

// NameForConn maps a transport handle back to its worker name.
func (r *Registry) NameForConn(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, e := range r.workers {
		if e.conn == conn {
			return n, true
		}
	}
	return "", false
}

// List returns snapshots of all workers in registration order.
func (r *Registry) List() []worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]worker.Worker, 0, len(r.order))
	for _, n := range r.order {
		if e, ok := r.workers[n]; ok {
			out = append(out, *e.w)
		}
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
