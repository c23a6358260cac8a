package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmux/taskmux/internal/metrics"
)

// RegisterRoutes registers all API routes on the given mux. stream is
// the SSE endpoint handler; it may be nil on nodes without streaming.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, stream http.Handler) {
	mux.HandleFunc("POST /tasks", h.DispatchTask)
	mux.HandleFunc("GET /tasks/active", h.ActiveTasks)
	mux.HandleFunc("GET /tasks/health", h.WorkerHealth)
	mux.HandleFunc("GET /tasks/{task_id}/status", h.TaskStatus)
	mux.HandleFunc("POST /tasks/{task_id}/cancel", h.CancelTask)
	mux.HandleFunc("GET /tasks/{task_id}/partial", h.TaskPartial)

	if stream != nil {
		mux.Handle("GET /stream/{session_id}", stream)
	}

	mux.HandleFunc("GET /health/live", h.Liveness)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Routes builds the full API handler with request metrics attached.
func (h *Handler) Routes(stream http.Handler) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, stream)
	return metrics.Middleware(mux)
}
