// Package manager owns the task state machine on the coordinator: FIFO
// admission, worker selection, dispatch, streaming state aggregation,
// completion/failure/cancel/timeout handling, and continuation-session
// bookkeeping. All task mutation happens here, under one lock.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain"
	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/port/sink"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// WorkerPool is the registry surface the manager dispatches through.
type WorkerPool interface {
	Available(preferred string) (string, bool)
	SendToWorker(ctx context.Context, name string, msg protocol.Message) bool
	MarkBusy(name, taskID string) error
	Release(name string)
}

// Config carries the manager's operational constants.
type Config struct {
	QueueCapacity    int
	TaskTimeout      time.Duration
	ThrottleInterval time.Duration
	TransferBudget   time.Duration
}

// DefaultConfig returns the protocol's standard constants.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    50,
		TaskTimeout:      10 * time.Minute,
		ThrottleInterval: time.Second,
		TransferBudget:   10 * time.Second,
	}
}

type throttleState struct {
	last  time.Time
	timer *time.Timer
}

type transferKey struct {
	taskID   string
	fileName string
}

// Manager owns every Task. Tasks live in memory until process exit;
// restart forgets in-flight work.
type Manager struct {
	cfg     Config
	pool    WorkerPool
	sink    sink.TaskSink
	fetcher *Fetcher
	log     *slog.Logger

	mu        sync.Mutex
	seq       int64
	tasks     map[string]*task.Task
	queue     []string
	timeouts  map[string]*time.Timer
	throttles map[string]*throttleState
	transfers map[transferKey]chan protocol.FileTransferAckPayload
	sessions  []SessionRecord
}

// New creates a Manager dispatching through pool and reporting to snk.
// A nil fetcher disables attachment delivery.
func New(cfg Config, pool WorkerPool, snk sink.TaskSink, fetcher *Fetcher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if snk == nil {
		snk = sink.Nop{}
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 50
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = time.Second
	}
	if cfg.TransferBudget <= 0 {
		cfg.TransferBudget = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		pool:      pool,
		sink:      snk,
		fetcher:   fetcher,
		log:       log,
		tasks:     make(map[string]*task.Task),
		timeouts:  make(map[string]*time.Timer),
		throttles: make(map[string]*throttleState),
		transfers: make(map[transferKey]chan protocol.FileTransferAckPayload),
	}
}

// CreateOptions holds the fields needed to admit a new task.
type CreateOptions struct {
	Prompt          string
	Cwd             string
	Permission      task.PermissionMode
	TeamMode        bool
	ContinueSession bool
	PriorSessionID  string
	Attachments     []task.Attachment
	PreferredWorker string
	ChannelID       string
	ThreadID        string
	RequesterID     string
}

// CreateTask admits a task to the FIFO queue and returns a snapshot of it.
// Admission fails when the queue is full or an attachment exceeds the size
// cap; the caller surfaces that as a user-visible error.
func (m *Manager) CreateTask(opts CreateOptions) (task.Task, error) {
	for _, a := range opts.Attachments {
		if a.Size > task.MaxAttachmentSize {
			return task.Task{}, fmt.Errorf("attachment %s (%d bytes): %w",
				a.FileName, a.Size, domain.ErrAttachmentTooLarge)
		}
	}

	permission := opts.Permission
	if permission == "" {
		permission = task.PermissionConfirm
	}

	m.mu.Lock()
	if len(m.queue) >= m.cfg.QueueCapacity {
		m.mu.Unlock()
		return task.Task{}, domain.ErrQueueFull
	}

	m.seq++
	t := &task.Task{
		ID:              fmt.Sprintf("task-%d", m.seq),
		Prompt:          opts.Prompt,
		Status:          task.StatusQueued,
		Cwd:             opts.Cwd,
		Permission:      permission,
		TeamMode:        opts.TeamMode,
		ContinueSession: opts.ContinueSession,
		PriorSessionID:  opts.PriorSessionID,
		Attachments:     append([]task.Attachment(nil), opts.Attachments...),
		PreferredWorker: opts.PreferredWorker,
		ChannelID:       opts.ChannelID,
		ThreadID:        opts.ThreadID,
		RequesterID:     opts.RequesterID,
		CreatedAt:       time.Now(),
	}
	m.tasks[t.ID] = t
	m.queue = append(m.queue, t.ID)
	snapshot := *t
	m.mu.Unlock()

	m.log.Info("task queued", "task_id", snapshot.ID, "queue_len", m.QueueLen())
	m.sink.OnTaskQueued(snapshot)
	return snapshot, nil
}

// CancelTask cancels a queued or running task. For a running task it emits
// task:cancel to the assigned worker and transitions immediately, without
// waiting for the worker's acknowledgement. Returns false when the task is
// unknown or already terminal.
func (m *Manager) CancelTask(id, reason string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return false
	}

	switch t.Status {
	case task.StatusQueued:
		for i, qid := range m.queue {
			if qid == id {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	case task.StatusRunning:
		cancel, err := protocol.New(protocol.TypeTaskCancel, protocol.CancelPayload{Reason: reason})
		if err == nil {
			cancel.TaskID = id
			m.pool.SendToWorker(context.Background(), t.WorkerID, cancel)
		}
	}

	if reason != "" {
		t.ErrorMessage = reason
	}
	fire := m.finalize(t, task.StatusCancelled)
	m.mu.Unlock()
	fire()
	return true
}

// OnWorkerDisconnected fails the disconnected worker's running task. Wired
// to the registry's disconnect callback.
func (m *Manager) OnWorkerDisconnected(workerID string, hadRunningTask bool) {
	if !hadRunningTask {
		m.DispatchNext()
		return
	}

	m.mu.Lock()
	var victim *task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusRunning && t.WorkerID == workerID {
			victim = t
			break
		}
	}
	if victim == nil {
		m.mu.Unlock()
		m.DispatchNext()
		return
	}
	victim.ErrorMessage = fmt.Sprintf("worker %s disconnected while task was running", workerID)
	fire := m.finalize(victim, task.StatusFailed)
	m.mu.Unlock()
	fire()
}

// finalize performs the terminal transition. Must be called with m.mu held;
// the returned func fires callbacks and advances the queue and must be
// invoked after unlocking. Exactly one terminal transition per task: a
// second call is a no-op.
func (m *Manager) finalize(t *task.Task, status task.Status) func() {
	if t.Status.Terminal() {
		return func() {}
	}

	t.Status = status
	now := time.Now()
	t.CompletedAt = &now

	if timer, ok := m.timeouts[t.ID]; ok {
		timer.Stop()
		delete(m.timeouts, t.ID)
	}
	if th, ok := m.throttles[t.ID]; ok {
		if th.timer != nil {
			th.timer.Stop()
		}
		delete(m.throttles, t.ID)
	}

	if t.WorkerID != "" {
		m.pool.Release(t.WorkerID)
	}

	snapshot := *t
	return func() {
		m.log.Info("task finished",
			"task_id", snapshot.ID,
			"status", snapshot.Status,
			"worker_id", snapshot.WorkerID,
			"tokens", snapshot.Tokens.Total(),
		)
		switch status {
		case task.StatusCompleted:
			m.sink.OnTaskCompleted(snapshot)
		case task.StatusFailed:
			m.sink.OnTaskFailed(snapshot)
		case task.StatusCancelled:
			m.sink.OnTaskCancelled(snapshot)
		}
		m.DispatchNext()
	}
}

// Task returns a snapshot of the task with the given id.
func (m *Manager) Task(id string) (task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return *t, true
	}
	return task.Task{}, false
}

// Tasks returns snapshots of every known task.
func (m *Manager) Tasks() []task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// QueueLen returns the number of queued task ids.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
