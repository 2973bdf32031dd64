// Package sink defines the callback surface the task manager and worker
// registry expose to chat adapters and other observers. Implementations are
// invoked on the transition path and must not block it for long.
package sink

import (
	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// TaskSink observes task lifecycle transitions. Each event is delivered
// exactly once per transition, with a value copy of the task.
type TaskSink interface {
	OnTaskQueued(t task.Task)
	OnTaskStarted(t task.Task)
	OnTaskStreamUpdate(t task.Task) // throttled
	OnTaskCompleted(t task.Task)
	OnTaskFailed(t task.Task)
	OnTaskCancelled(t task.Task)
	OnTaskQuestion(taskID string, q protocol.QuestionPayload)
	OnTaskPermission(taskID string, p protocol.PermissionPayload)
}

// WorkerSink observes worker registry membership changes.
type WorkerSink interface {
	OnWorkerConnected(w worker.Worker)
	OnWorkerDisconnected(workerID string, hadRunningTask bool)
}

// Nop is a TaskSink and WorkerSink that ignores every event.
type Nop struct{}

func (Nop) OnTaskQueued(task.Task)                              {}
func (Nop) OnTaskStarted(task.Task)                             {}
func (Nop) OnTaskStreamUpdate(task.Task)                        {}
func (Nop) OnTaskCompleted(task.Task)                           {}
func (Nop) OnTaskFailed(task.Task)                              {}
func (Nop) OnTaskCancelled(task.Task)                           {}
func (Nop) OnTaskQuestion(string, protocol.QuestionPayload)     {}
func (Nop) OnTaskPermission(string, protocol.PermissionPayload) {}
func (Nop) OnWorkerConnected(worker.Worker)                     {}
func (Nop) OnWorkerDisconnected(string, bool)                   {}

// Multi fans one event stream out to several sinks in order.
type Multi []TaskSink

func (m Multi) OnTaskQueued(t task.Task) {
	for _, s := range m {
		s.OnTaskQueued(t)
	}
}

func (m Multi) OnTaskStarted(t task.Task) {
	for _, s := range m {
		s.OnTaskStarted(t)
	}
}

func (m Multi) OnTaskStreamUpdate(t task.Task) {
	for _, s := range m {
		s.OnTaskStreamUpdate(t)
	}
}

func (m Multi) OnTaskCompleted(t task.Task) {
	for _, s := range m {
		s.OnTaskCompleted(t)
	}
}

func (m Multi) OnTaskFailed(t task.Task) {
	for _, s := range m {
		s.OnTaskFailed(t)
	}
}

func (m Multi) OnTaskCancelled(t task.Task) {
	for _, s := range m {
		s.OnTaskCancelled(t)
	}
}

func (m Multi) OnTaskQuestion(taskID string, q protocol.QuestionPayload) {
	for _, s := range m {
		s.OnTaskQuestion(taskID, q)
	}
}

func (m Multi) OnTaskPermission(taskID string, p protocol.PermissionPayload) {
	for _, s := range m {
		s.OnTaskPermission(taskID, p)
	}
}
