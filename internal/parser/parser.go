// Package parser translates the assistant CLI's newline-delimited JSON
// output into typed stream events. The parser is stateful: an incomplete
// trailing line is buffered across chunk boundaries. It is single-owner and
// not safe for concurrent use.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

const (
	bashSummaryMax       = 60
	toolResultSummaryMax = 80
)

// Parser splits CLI output into lines and classifies each well-formed JSON
// record into zero or more stream events.
type Parser struct {
	buf []byte
	log *slog.Logger
}

// New creates a Parser that logs discarded lines to the given logger.
func New(log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{log: log}
}

// Reset discards any buffered partial line.
func (p *Parser) Reset() {
	p.buf = nil
}

// Parse consumes a chunk of CLI stdout and returns the events produced by
// every complete line it contains. Lines that fail JSON decode are logged
// and discarded, never propagated as errors.
func (p *Parser) Parse(chunk []byte) []protocol.StreamEvent {
	p.buf = append(p.buf, chunk...)

	var events []protocol.StreamEvent
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return events
		}
		line := strings.TrimSpace(string(p.buf[:i]))
		p.buf = p.buf[i+1:]
		if line == "" {
			continue
		}
		events = append(events, p.parseLine(line)...)
	}
}

// record is the superset of fields read across the heterogeneous CLI
// record shapes. Neighbouring fields differ per type; classification
// branches on Type and reads only what that shape defines.
type record struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Content json.RawMessage `json:"content"`
		Usage   *wireUsage      `json:"usage"`
	} `json:"message"`
	Name          string                `json:"name"`
	Input         map[string]any        `json:"input"`
	ToolName      string                `json:"tool_name"`
	IsError       bool                  `json:"is_error"`
	Question      string                `json:"question"`
	Result        string                `json:"result"`
	SessionID     string                `json:"session_id"`
	ModelUsage    map[string]modelUsage `json:"modelUsage"`
	Usage         *wireUsage            `json:"usage"`
	RateLimitInfo json.RawMessage       `json:"rate_limit_info"`
}

// wireUsage is the snake_case usage shape; missing fields default to zero.
type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func (u *wireUsage) toTokens() task.TokenUsage {
	return task.TokenUsage{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheRead:  u.CacheReadInputTokens,
		CacheWrite: u.CacheCreationInputTokens,
	}
}

// modelUsage is the camelCase per-model usage shape found in result records.
type modelUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

func (p *Parser) parseLine(line string) []protocol.StreamEvent {
	var rec record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		p.log.Warn("discarding unparseable stream line", "error", err, "line", truncate(line, 120))
		return nil
	}

	switch rec.Type {
	case "assistant":
		return p.assistantEvents(&rec)
	case "tool_use":
		return []protocol.StreamEvent{{
			Type:     protocol.EventToolUseBegin,
			ToolName: rec.Name,
			Summary:  toolSummary(rec.Name, rec.Input),
		}}
	case "ask_user":
		// Fallback record shape for the same concept as the
		// AskUserQuestion tool.
		return []protocol.StreamEvent{{
			Type:     protocol.EventToolUseBegin,
			ToolName: "AskUserQuestion",
			Summary:  rec.Question,
		}}
	case "tool_result":
		return []protocol.StreamEvent{{
			Type:     protocol.EventToolUseEnd,
			ToolName: rec.ToolName,
			Success:  !rec.IsError,
			Summary:  truncate(contentText(rec.Content), toolResultSummaryMax),
		}}
	case "result":
		return p.resultEvents(&rec)
	case "rate_limit_event":
		if len(rec.RateLimitInfo) == 0 {
			return nil
		}
		return []protocol.StreamEvent{{
			Type:      protocol.EventRateLimit,
			RateLimit: rec.RateLimitInfo,
		}}
	default:
		if rec.Usage != nil {
			tokens := rec.Usage.toTokens()
			return []protocol.StreamEvent{{Type: protocol.EventTokenUsage, Tokens: &tokens}}
		}
		return nil
	}
}

// assistantEvents handles both nesting shapes the CLI emits: content directly
// on the record, or under message.content.
func (p *Parser) assistantEvents(rec *record) []protocol.StreamEvent {
	content := rec.Content
	if len(content) == 0 && rec.Message != nil {
		content = rec.Message.Content
	}

	var events []protocol.StreamEvent
	if text := contentText(content); text != "" {
		events = append(events, protocol.StreamEvent{
			Type: protocol.EventAssistantMessage,
			Text: text,
		})
	}
	if rec.Message != nil && rec.Message.Usage != nil {
		tokens := rec.Message.Usage.toTokens()
		events = append(events, protocol.StreamEvent{Type: protocol.EventTokenUsage, Tokens: &tokens})
	}
	return events
}

// resultEvents emits the result event plus a token_usage synthesised from
// per-model aggregation when present, falling back to top-level usage.
func (p *Parser) resultEvents(rec *record) []protocol.StreamEvent {
	events := []protocol.StreamEvent{{
		Type:      protocol.EventResult,
		Text:      rec.Result,
		SessionID: rec.SessionID,
	}}

	switch {
	case len(rec.ModelUsage) > 0:
		var tokens task.TokenUsage
		for _, mu := range rec.ModelUsage {
			tokens.Input += mu.InputTokens
			tokens.Output += mu.OutputTokens
			tokens.CacheRead += mu.CacheReadInputTokens
			tokens.CacheWrite += mu.CacheCreationInputTokens
		}
		events = append(events, protocol.StreamEvent{Type: protocol.EventTokenUsage, Tokens: &tokens})
	case rec.Usage != nil:
		tokens := rec.Usage.toTokens()
		events = append(events, protocol.StreamEvent{Type: protocol.EventTokenUsage, Tokens: &tokens})
	}
	return events
}

// toolSummary builds the one-line history summary for a tool invocation.
func toolSummary(name string, input map[string]any) string {
	switch name {
	case "Read", "Edit", "Write":
		if path := stringField(input, "file_path"); path != "" {
			return fmt.Sprintf("%s: %s", name, path)
		}
	case "Bash":
		if cmd := stringField(input, "command"); cmd != "" {
			return "Bash: " + truncate(cmd, bashSummaryMax)
		}
	case "Grep":
		pattern := stringField(input, "pattern")
		path := stringField(input, "path")
		if pattern != "" && path != "" {
			return fmt.Sprintf("Grep: %s in %s", pattern, path)
		}
		if pattern != "" {
			return "Grep: " + pattern
		}
	case "Glob":
		if pattern := stringField(input, "pattern"); pattern != "" {
			return "Glob: " + pattern
		}
	case "AskUserQuestion":
		if q := stringField(input, "question"); q != "" {
			return q
		}
	}
	return name
}

// contentText extracts text from a content value that is either a bare
// string or an array of blocks with {type:"text", text:...}.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
