package protocol

import (
	"encoding/json"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
)

// EventType classifies a stream event emitted by the worker's parser.
type EventType string

const (
	EventAssistantMessage EventType = "assistant_message"
	EventToolUseBegin     EventType = "tool_use_begin"
	EventToolUseEnd       EventType = "tool_use_end"
	EventTokenUsage       EventType = "token_usage"
	EventResult           EventType = "result"
	EventRateLimit        EventType = "rate_limit"
	EventError            EventType = "error"
)

// StreamEvent is one typed element produced from the assistant CLI output
// and relayed to the coordinator inside a task:stream message.
type StreamEvent struct {
	Type      EventType        `json:"type"`
	Text      string           `json:"text,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Success   bool             `json:"success,omitempty"`
	Tokens    *task.TokenUsage `json:"tokens,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Message   string           `json:"message,omitempty"`
	RateLimit json.RawMessage  `json:"rate_limit,omitempty"`
}
