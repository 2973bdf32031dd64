// Package http exposes the coordinator's operational REST surface: task
// admission and inspection, worker listing, and session lookup. Chat
// adapters and operators drive the task manager through these routes.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Strob0t/CodeRelay/internal/domain"
	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/manager"
	"github.com/Strob0t/CodeRelay/internal/registry"
)

// Handlers aggregates the services behind the REST surface.
type Handlers struct {
	Manager  *manager.Manager
	Registry *registry.Registry
}

// createTaskRequest is the admission payload.
type createTaskRequest struct {
	Prompt          string            `json:"prompt"`
	Cwd             string            `json:"cwd,omitempty"`
	Permission      string            `json:"permission,omitempty"`
	TeamMode        bool              `json:"team_mode,omitempty"`
	ContinueSession bool              `json:"continue_session,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	Attachments     []task.Attachment `json:"attachments,omitempty"`
	PreferredWorker string            `json:"preferred_worker,omitempty"`
	ChannelID       string            `json:"channel_id,omitempty"`
	ThreadID        string            `json:"thread_id,omitempty"`
	RequesterID     string            `json:"requester_id,omitempty"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTaskRequest](w, r, 1<<20)
	if !ok {
		return
	}
	if !requireField(w, req.Prompt, "prompt") {
		return
	}

	t, err := h.Manager.CreateTask(manager.CreateOptions{
		Prompt:          req.Prompt,
		Cwd:             req.Cwd,
		Permission:      task.PermissionMode(req.Permission),
		TeamMode:        req.TeamMode,
		ContinueSession: req.ContinueSession,
		PriorSessionID:  req.SessionID,
		Attachments:     req.Attachments,
		PreferredWorker: req.PreferredWorker,
		ChannelID:       req.ChannelID,
		ThreadID:        req.ThreadID,
		RequesterID:     req.RequesterID,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "task queue is full")
		case errors.Is(err, domain.ErrAttachmentTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.Manager.DispatchNext()
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.Manager.Task(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.Tasks())
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.Manager.CancelTask(id, "cancelled by operator") {
		writeError(w, http.StatusConflict, "task is unknown or already finished")
		return
	}
	t, _ := h.Manager.Task(id)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) listWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := h.Registry.List()
	if workers == nil {
		workers = []worker.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (h *Handlers) latestSession(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	cwd := r.URL.Query().Get("cwd")
	sessionID, ok := h.Manager.LatestSession(workerID, cwd)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for that worker and directory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required")
		return false
	}
	return true
}
