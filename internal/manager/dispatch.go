package manager

import (
	"context"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// DispatchNext advances the queue: while the head task has an available
// worker, it transitions the task to Running, marks the worker busy, arms
// the task timeout, and hands the assignment off. Idempotent; a no-op when
// the queue is empty or no worker is online.
func (m *Manager) DispatchNext() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		t := m.tasks[m.queue[0]]

		workerID, ok := m.pool.Available(t.PreferredWorker)
		if !ok {
			m.mu.Unlock()
			return
		}

		m.queue = m.queue[1:]
		if err := m.pool.MarkBusy(workerID, t.ID); err != nil {
			// The worker raced away between selection and claim; requeue
			// the head and retry on the next trigger.
			m.queue = append([]string{t.ID}, m.queue...)
			m.mu.Unlock()
			m.log.Warn("worker claim failed", "task_id", t.ID, "worker_id", workerID, "error", err)
			return
		}

		t.Status = task.StatusRunning
		t.WorkerID = workerID
		now := time.Now()
		t.StartedAt = &now

		id := t.ID
		m.timeouts[id] = time.AfterFunc(m.cfg.TaskTimeout, func() {
			m.CancelTask(id, "timeout")
		})

		snapshot := *t
		m.mu.Unlock()

		m.log.Info("task dispatched", "task_id", snapshot.ID, "worker_id", workerID)
		m.sink.OnTaskStarted(snapshot)
		go m.assign(snapshot)
	}
}

// assign delivers pending attachments and emits task:assign. Runs outside
// the manager lock because transfer correlation suspends on acks.
func (m *Manager) assign(t task.Task) {
	ctx := context.Background()

	attachments := t.Attachments
	if m.fetcher != nil && hasPendingTransfers(attachments) {
		attachments = m.deliverAttachments(ctx, t)
	}

	// The transfer step can outlive the task (cancel, timeout); do not
	// assign work the coordinator no longer tracks as running.
	m.mu.Lock()
	cur, ok := m.tasks[t.ID]
	running := ok && cur.Status == task.StatusRunning
	m.mu.Unlock()
	if !running {
		return
	}

	payload := protocol.AssignPayload{
		Prompt:      t.Prompt,
		Cwd:         t.Cwd,
		Permission:  string(t.Permission),
		TeamMode:    t.TeamMode,
		SessionID:   t.PriorSessionID,
		Attachments: attachments,
	}
	msg, err := protocol.New(protocol.TypeTaskAssign, payload)
	if err != nil {
		m.failTask(t.ID, "assignment encode failed: "+err.Error())
		return
	}
	msg.TaskID = t.ID
	msg.WorkerID = t.WorkerID

	if !m.pool.SendToWorker(ctx, t.WorkerID, msg) {
		m.failTask(t.ID, "worker "+t.WorkerID+" disconnected before assignment was delivered")
	}
}

// failTask fails a still-running task with the given message.
func (m *Manager) failTask(id, message string) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status != task.StatusRunning {
		m.mu.Unlock()
		return
	}
	t.ErrorMessage = message
	fire := m.finalize(t, task.StatusFailed)
	m.mu.Unlock()
	fire()
}

func hasPendingTransfers(atts []task.Attachment) bool {
	for _, a := range atts {
		if a.LocalPath == "" && a.SourceURL != "" {
			return true
		}
	}
	return false
}
