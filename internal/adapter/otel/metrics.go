package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

const meterName = "coderelay"

// Metrics holds the coordinator's metric instruments.
type Metrics struct {
	TasksQueued    metric.Int64Counter
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksCancelled metric.Int64Counter
	Tokens         metric.Int64Counter
	TaskDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.TasksQueued, err = meter.Int64Counter("coderelay.tasks.queued",
		metric.WithDescription("Tasks admitted to the queue")); err != nil {
		return nil, err
	}
	if m.TasksStarted, err = meter.Int64Counter("coderelay.tasks.started",
		metric.WithDescription("Tasks dispatched to a worker")); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("coderelay.tasks.completed",
		metric.WithDescription("Tasks finished successfully")); err != nil {
		return nil, err
	}
	if m.TasksFailed, err = meter.Int64Counter("coderelay.tasks.failed",
		metric.WithDescription("Tasks finished in failure")); err != nil {
		return nil, err
	}
	if m.TasksCancelled, err = meter.Int64Counter("coderelay.tasks.cancelled",
		metric.WithDescription("Tasks cancelled before completion")); err != nil {
		return nil, err
	}
	if m.Tokens, err = meter.Int64Counter("coderelay.tokens",
		metric.WithDescription("Assistant tokens consumed, by direction")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("coderelay.task.duration_seconds",
		metric.WithDescription("Task wall time from start to terminal state")); err != nil {
		return nil, err
	}
	return m, nil
}

// SinkMetrics decorates the task sink callbacks with instrument updates,
// so the manager needs no telemetry dependency of its own.
type SinkMetrics struct {
	m *Metrics
}

// NewSinkMetrics creates the metrics sink decorator.
func NewSinkMetrics(m *Metrics) *SinkMetrics {
	return &SinkMetrics{m: m}
}

func (s *SinkMetrics) OnTaskQueued(task.Task) {
	s.m.TasksQueued.Add(context.Background(), 1)
}

func (s *SinkMetrics) OnTaskStarted(task.Task) {
	s.m.TasksStarted.Add(context.Background(), 1)
}

func (s *SinkMetrics) OnTaskStreamUpdate(task.Task) {}

func (s *SinkMetrics) OnTaskCompleted(t task.Task) {
	s.m.TasksCompleted.Add(context.Background(), 1)
	s.recordTokens(t)
	s.recordDuration(t)
}

func (s *SinkMetrics) OnTaskFailed(t task.Task) {
	s.m.TasksFailed.Add(context.Background(), 1)
	s.recordTokens(t)
	s.recordDuration(t)
}

func (s *SinkMetrics) OnTaskCancelled(t task.Task) {
	s.m.TasksCancelled.Add(context.Background(), 1)
	s.recordDuration(t)
}

func (s *SinkMetrics) OnTaskQuestion(string, protocol.QuestionPayload)     {}
func (s *SinkMetrics) OnTaskPermission(string, protocol.PermissionPayload) {}

func (s *SinkMetrics) recordTokens(t task.Task) {
	ctx := context.Background()
	s.m.Tokens.Add(ctx, t.Tokens.Input, metric.WithAttributes(attribute.String("direction", "input")))
	s.m.Tokens.Add(ctx, t.Tokens.Output, metric.WithAttributes(attribute.String("direction", "output")))
	s.m.Tokens.Add(ctx, t.Tokens.CacheRead, metric.WithAttributes(attribute.String("direction", "cache_read")))
	s.m.Tokens.Add(ctx, t.Tokens.CacheWrite, metric.WithAttributes(attribute.String("direction", "cache_write")))
}

func (s *SinkMetrics) recordDuration(t task.Task) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return
	}
	s.m.TaskDuration.Record(context.Background(), t.CompletedAt.Sub(*t.StartedAt).Seconds())
}
