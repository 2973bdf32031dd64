// Package nats mirrors task lifecycle events onto a NATS broker so
// external consumers — token accounting, team trackers, schedulers — can
// subscribe without touching the coordinator process. The mirror is
// fire-and-forget; losing the broker never affects task execution.
package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// Subjects the mirror publishes on.
const (
	SubjectTaskStatus = "tasks.status"
	SubjectTaskOutput = "tasks.output"
)

// Mirror implements sink.TaskSink by publishing compact JSON records.
type Mirror struct {
	nc  *nats.Conn
	log *slog.Logger
}

// Connect establishes the broker connection.
func Connect(url string, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", "url", url)
	return &Mirror{nc: nc, log: log}, nil
}

// Close drains and closes the broker connection.
func (m *Mirror) Close() {
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
	}
}

// statusRecord is the shape published on tasks.status.
type statusRecord struct {
	TaskID   string          `json:"task_id"`
	Status   task.Status     `json:"status"`
	WorkerID string          `json:"worker_id,omitempty"`
	Error    string          `json:"error,omitempty"`
	Tokens   task.TokenUsage `json:"tokens"`
}

// outputRecord is the shape published on tasks.output.
type outputRecord struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text,omitempty"`
	Tools  int    `json:"tools"`
}

func (m *Mirror) OnTaskQueued(t task.Task)    { m.publishStatus(t) }
func (m *Mirror) OnTaskStarted(t task.Task)   { m.publishStatus(t) }
func (m *Mirror) OnTaskCompleted(t task.Task) { m.publishStatus(t) }
func (m *Mirror) OnTaskFailed(t task.Task)    { m.publishStatus(t) }
func (m *Mirror) OnTaskCancelled(t task.Task) { m.publishStatus(t) }

func (m *Mirror) OnTaskStreamUpdate(t task.Task) {
	m.publish(SubjectTaskOutput, outputRecord{
		TaskID: t.ID,
		Text:   t.ResultText,
		Tools:  len(t.ToolHistory),
	})
}

func (m *Mirror) OnTaskQuestion(taskID string, q protocol.QuestionPayload) {
	m.publish(SubjectTaskOutput, outputRecord{TaskID: taskID, Text: q.Question})
}

func (m *Mirror) OnTaskPermission(string, protocol.PermissionPayload) {}

func (m *Mirror) publishStatus(t task.Task) {
	m.publish(SubjectTaskStatus, statusRecord{
		TaskID:   t.ID,
		Status:   t.Status,
		WorkerID: t.WorkerID,
		Error:    t.ErrorMessage,
		Tokens:   t.Tokens,
	})
}

func (m *Mirror) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error("nats marshal failed", "subject", subject, "error", err)
		return
	}
	if err := m.nc.Publish(subject, data); err != nil {
		m.log.Warn("nats publish failed", "subject", subject, "error", err)
	}
}
