// Package discord renders task and worker lifecycle events into Discord
// webhook embeds. It implements the sink interfaces the task manager and
// worker registry expose; the richer slash-command surface lives outside
// this repository and consumes the same callbacks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// Notifier posts lifecycle embeds to a Discord incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Notifier for the given webhook URL.
func New(webhookURL string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// discordWebhook is the webhook payload with embeds.
type discordWebhook struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func (n *Notifier) OnTaskQueued(t task.Task) {
	n.post(taskEmbed(t, "Task queued", colorInfo))
}

func (n *Notifier) OnTaskStarted(t task.Task) {
	n.post(taskEmbed(t, "Task started", colorInfo))
}

// OnTaskStreamUpdate receives throttled progress; posting each one to a
// webhook would flood the channel, so progress stays in the logs and only
// lifecycle transitions are posted.
func (n *Notifier) OnTaskStreamUpdate(t task.Task) {
	n.log.Debug("task progress",
		"task_id", t.ID,
		"tools", len(t.ToolHistory),
		"tokens", t.Tokens.Total(),
	)
}

func (n *Notifier) OnTaskCompleted(t task.Task) {
	embed := taskEmbed(t, "Task completed", colorSuccess)
	if t.ResultText != "" {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "Result",
			Value: Truncate(t.ResultText, EmbedFieldCap),
		})
	}
	embed.Footer = &discordFooter{Text: tokenFooter(t.Tokens)}
	n.post(embed)
}

func (n *Notifier) OnTaskFailed(t task.Task) {
	embed := taskEmbed(t, "Task failed", colorError)
	if t.ErrorMessage != "" {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "Error",
			Value: Truncate(t.ErrorMessage, EmbedFieldCap),
		})
	}
	n.post(embed)
}

func (n *Notifier) OnTaskCancelled(t task.Task) {
	n.post(taskEmbed(t, "Task cancelled", colorWarning))
}

func (n *Notifier) OnTaskQuestion(taskID string, q protocol.QuestionPayload) {
	embed := discordEmbed{
		Title:       fmt.Sprintf("%s needs input", taskID),
		Description: Truncate(q.Question, EmbedFieldCap),
		Color:       colorWarning,
	}
	for _, opt := range q.Options {
		embed.Fields = append(embed.Fields, discordField{Name: "Option", Value: opt, Inline: true})
	}
	n.post(embed)
}

func (n *Notifier) OnTaskPermission(taskID string, p protocol.PermissionPayload) {
	n.post(discordEmbed{
		Title:       fmt.Sprintf("%s requests permission", taskID),
		Description: Truncate(fmt.Sprintf("%s %s", p.Tool, p.Summary), EmbedFieldCap),
		Color:       colorWarning,
	})
}

func (n *Notifier) OnWorkerConnected(w worker.Worker) {
	n.post(discordEmbed{
		Title:       "Worker online",
		Description: fmt.Sprintf("%s (%s, %s)", w.Name, w.OS, w.Runtime),
		Color:       colorSuccess,
	})
}

func (n *Notifier) OnWorkerDisconnected(workerID string, hadRunningTask bool) {
	desc := workerID
	if hadRunningTask {
		desc += " — its running task was failed"
	}
	n.post(discordEmbed{
		Title:       "Worker offline",
		Description: desc,
		Color:       colorWarning,
	})
}

func taskEmbed(t task.Task, title string, color int) discordEmbed {
	embed := discordEmbed{
		Title:       fmt.Sprintf("%s — %s", title, t.ID),
		Description: Truncate(t.Prompt, PromptDisplayCap),
		Color:       color,
	}
	if t.WorkerID != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Worker", Value: t.WorkerID, Inline: true})
	}
	if t.Cwd != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Directory", Value: t.Cwd, Inline: true})
	}
	return embed
}

func tokenFooter(u task.TokenUsage) string {
	return fmt.Sprintf("tokens in=%d out=%d cache_read=%d cache_write=%d",
		u.Input, u.Output, u.CacheRead, u.CacheWrite)
}

// post sends one embed, splitting any oversized description into follow-up
// messages so nothing exceeds the chat caps.
func (n *Notifier) post(embed discordEmbed) {
	if n.webhookURL == "" {
		return
	}

	chunks := Split(embed.Description, MessageCap)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	embed.Description = chunks[0]

	if err := n.send(discordWebhook{Embeds: []discordEmbed{embed}}); err != nil {
		n.log.Warn("discord post failed", "error", err)
		return
	}
	for _, rest := range chunks[1:] {
		if err := n.send(discordWebhook{Content: rest}); err != nil {
			n.log.Warn("discord post failed", "error", err)
			return
		}
	}
}

func (n *Notifier) send(payload discordWebhook) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Discord returns 204 on success
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Embed colors per notification level.
const (
	colorSuccess = 0x2ECC71 // green
	colorError   = 0xE74C3C // red
	colorWarning = 0xF39C12 // orange
	colorInfo    = 0x3498DB // blue
)
