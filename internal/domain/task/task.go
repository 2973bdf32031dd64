// Package task defines the Task domain entity and its lifecycle state.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PermissionMode controls how the assistant CLI handles tool permissions.
type PermissionMode string

const (
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionAuto        PermissionMode = "auto"
	PermissionConfirm     PermissionMode = "confirm"
)

// MaxAttachmentSize is the admission cap for a single attachment (8 MiB).
const MaxAttachmentSize = 8 << 20

// TokenUsage holds cumulative token counters reported by the assistant CLI.
// Updates overwrite rather than increment: the worker sends cumulative values.
type TokenUsage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
}

// Total returns the sum of all counters.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// Attachment is a file delivered to the worker before the task runs.
// LocalPath is filled once the worker has staged the file on disk.
type Attachment struct {
	FileName  string `json:"file_name"`
	Mime      string `json:"mime,omitempty"`
	Size      int64  `json:"size"`
	SourceURL string `json:"source_url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// ToolStatus represents the state of one tool-history entry.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolCall is one chronologically ordered tool-history entry.
type ToolCall struct {
	Name    string     `json:"name"`
	Summary string     `json:"summary"`
	Status  ToolStatus `json:"status"`
	At      time.Time  `json:"at"`
}

// Task represents one invocation of the assistant CLI and its aggregated
// lifecycle state on the coordinator. Mutated only by the task manager.
type Task struct {
	ID              string         `json:"id"`
	Prompt          string         `json:"prompt"`
	Status          Status         `json:"status"`
	WorkerID        string         `json:"worker_id,omitempty"`
	PreferredWorker string         `json:"preferred_worker,omitempty"`
	Cwd             string         `json:"cwd,omitempty"`
	Permission      PermissionMode `json:"permission"`
	TeamMode        bool           `json:"team_mode,omitempty"`
	ContinueSession bool           `json:"continue_session,omitempty"`
	PriorSessionID  string         `json:"prior_session_id,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	ToolHistory     []ToolCall     `json:"tool_history,omitempty"`
	ResultText      string         `json:"result_text,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Tokens          TokenUsage     `json:"tokens"`
	ChannelID       string         `json:"channel_id,omitempty"`
	ThreadID        string         `json:"thread_id,omitempty"`
	RequesterID     string         `json:"requester_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}
