package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// MountRoutes attaches the REST surface under /api.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", h.createTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)
		r.Get("/workers", h.listWorkers)
		r.Get("/sessions/latest", h.latestSession)
	})
}
