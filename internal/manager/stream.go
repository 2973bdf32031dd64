package manager

import (
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// HandleStream folds one incremental event into the task's aggregated
// state. Stream updates for tasks not in Running are silently dropped —
// that covers late traffic after a cancel or disconnect.
func (m *Manager) HandleStream(workerID, taskID string, ev protocol.StreamEvent) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != task.StatusRunning {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case protocol.EventAssistantMessage:
		t.ResultText += ev.Text

	case protocol.EventToolUseBegin:
		t.ToolHistory = append(t.ToolHistory, task.ToolCall{
			Name:    ev.ToolName,
			Summary: ev.Summary,
			Status:  task.ToolRunning,
			At:      time.Now(),
		})

	case protocol.EventToolUseEnd:
		// Match the most recent running entry with the same tool name.
		for i := len(t.ToolHistory) - 1; i >= 0; i-- {
			entry := &t.ToolHistory[i]
			if entry.Status == task.ToolRunning && entry.Name == ev.ToolName {
				entry.Summary = ev.Summary
				if ev.Success {
					entry.Status = task.ToolCompleted
				} else {
					entry.Status = task.ToolError
				}
				break
			}
		}

	case protocol.EventTokenUsage:
		// Overwrite: the worker sends cumulative counters.
		if ev.Tokens != nil {
			t.Tokens = *ev.Tokens
		}

	case protocol.EventResult:
		t.ResultText = ev.Text
		if ev.SessionID != "" {
			t.SessionID = ev.SessionID
		}

	case protocol.EventError:
		// The worker follows up with task:error; no state transition here.
		t.ErrorMessage = ev.Message

	case protocol.EventRateLimit:
		m.log.Warn("assistant rate limited", "task_id", taskID, "worker_id", workerID)
	}

	fire := m.throttledUpdate(t)
	m.mu.Unlock()
	fire()
}

// throttledUpdate debounces OnTaskStreamUpdate per task to the configured
// minimum interval: an update inside the window schedules one trailing
// callback; further updates inside the window collapse into it. Must be
// called with m.mu held; the returned func runs after unlocking.
func (m *Manager) throttledUpdate(t *task.Task) func() {
	th := m.throttles[t.ID]
	if th == nil {
		th = &throttleState{}
		m.throttles[t.ID] = th
	}

	now := time.Now()
	if since := now.Sub(th.last); since >= m.cfg.ThrottleInterval {
		th.last = now
		snapshot := *t
		return func() { m.sink.OnTaskStreamUpdate(snapshot) }
	} else if th.timer == nil {
		id := t.ID
		th.timer = time.AfterFunc(m.cfg.ThrottleInterval-since, func() {
			m.flushThrottle(id)
		})
	}
	return func() {}
}

// flushThrottle fires the trailing throttled callback.
func (m *Manager) flushThrottle(taskID string) {
	m.mu.Lock()
	th := m.throttles[taskID]
	t, ok := m.tasks[taskID]
	if th == nil || !ok || t.Status != task.StatusRunning {
		m.mu.Unlock()
		return
	}
	th.timer = nil
	th.last = time.Now()
	snapshot := *t
	m.mu.Unlock()

	m.sink.OnTaskStreamUpdate(snapshot)
}

// HandleComplete applies a terminal success reported by the worker.
func (m *Manager) HandleComplete(workerID, taskID string, p protocol.CompletePayload) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != task.StatusRunning {
		m.mu.Unlock()
		return
	}

	t.ResultText = p.Result
	if p.SessionID != "" {
		t.SessionID = p.SessionID
	}
	t.Tokens = p.Tokens

	if t.SessionID != "" {
		m.sessions = append(m.sessions, SessionRecord{
			TaskID:    t.ID,
			Prompt:    t.Prompt,
			WorkerID:  t.WorkerID,
			Cwd:       t.Cwd,
			SessionID: t.SessionID,
		})
	}

	fire := m.finalize(t, task.StatusCompleted)
	m.mu.Unlock()
	fire()
}

// HandleError applies a terminal failure reported by the worker. Partial
// result and accumulated tokens are kept.
func (m *Manager) HandleError(workerID, taskID string, p protocol.ErrorPayload) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != task.StatusRunning {
		m.mu.Unlock()
		return
	}

	t.ErrorMessage = p.Message
	if t.ErrorMessage == "" {
		t.ErrorMessage = p.Code
	}
	if p.Result != "" {
		t.ResultText = p.Result
	}
	t.Tokens = p.Tokens

	fire := m.finalize(t, task.StatusFailed)
	m.mu.Unlock()
	fire()
}

// HandleQuestion forwards an out-of-band user-facing question to the sink.
func (m *Manager) HandleQuestion(taskID string, p protocol.QuestionPayload) {
	m.sink.OnTaskQuestion(taskID, p)
}

// HandlePermission forwards a tool-use authorisation request to the sink.
func (m *Manager) HandlePermission(taskID string, p protocol.PermissionPayload) {
	m.sink.OnTaskPermission(taskID, p)
}
