// Package api provides the HTTP surface for task dispatch, streaming,
// and task control.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/taskmux/taskmux/internal/control"
	"github.com/taskmux/taskmux/internal/dispatch"
	"github.com/taskmux/taskmux/internal/httputil"
	"github.com/taskmux/taskmux/pkg/types"
)

// maxSubmissionBytes caps dispatch request bodies.
const maxSubmissionBytes int64 = 1 << 20

// Handler handles HTTP requests for the task API.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	control    *control.Service
	logger     *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d *dispatch.Dispatcher, c *control.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, control: c, logger: logger}
}

type dispatchResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Queue     string `json:"queue"`
	Channel   string `json:"channel"`
}

// DispatchTask handles POST /tasks.
func (h *Handler) DispatchTask(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r.Body, maxSubmissionBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var sub types.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	taskID, err := h.dispatcher.Dispatch(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "rate_limit", "dispatch rate limit exceeded")
		default:
			h.logger.Error("dispatch failed", "session_id", sub.SessionID, "error", err)
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, dispatchResponse{
		TaskID:    taskID,
		SessionID: sub.SessionID,
		Queue:     dispatch.RouteQueue(sub),
		Channel:   types.StreamChannel(sub.SessionID),
	})
}

// TaskStatus handles GET /tasks/{task_id}/status.
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	st, err := h.control.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, control.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		h.logger.Error("status lookup failed", "task_id", taskID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "status lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

type cancelResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CancelTask handles POST /tasks/{task_id}/cancel. Cancelling an unknown
// task still answers 200 so retries of a cancel are safe; a task already
// in a terminal state is refused with 400.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	err := h.control.Cancel(r.Context(), taskID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, cancelResponse{TaskID: taskID, Status: "success"})
	case errors.Is(err, control.ErrNotFound):
		h.writeJSON(w, http.StatusOK, cancelResponse{TaskID: taskID, Status: "success", Message: "task not found"})
	case errors.Is(err, control.ErrTerminal):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "task already in a terminal state")
	default:
		h.logger.Error("cancel failed", "task_id", taskID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type partialResponse struct {
	TaskID      string         `json:"task_id"`
	Content     string         `json:"content"`
	ChunksCount int            `json:"chunks_count"`
	SavedAt     string         `json:"saved_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskPartial handles GET /tasks/{task_id}/partial.
func (h *Handler) TaskPartial(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	rec, err := h.control.Partial(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, control.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "no partial response for task")
			return
		}
		h.logger.Error("partial read failed", "task_id", taskID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "partial read failed")
		return
	}
	h.writeJSON(w, http.StatusOK, partialResponse{
		TaskID:      rec.TaskID,
		Content:     rec.Content(),
		ChunksCount: rec.TotalChunks,
		SavedAt:     rec.SavedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Metadata:    rec.Metadata,
	})
}

// ActiveTasks handles GET /tasks/active.
func (h *Handler) ActiveTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.control.ListActive(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// WorkerHealth handles GET /tasks/health. Degraded pools still answer
// 200; only a pool with no live workers reports 503.
func (h *Handler) WorkerHealth(w http.ResponseWriter, r *http.Request) {
	health := h.control.Health(r.Context())
	status := http.StatusOK
	if health.Status == control.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

// Liveness handles GET /health/live.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
	}})
}
