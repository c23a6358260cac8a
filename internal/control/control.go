// Package control implements the task control operations: status, cancel,
// partial retrieval, active listing, and worker health.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskmux/taskmux/internal/healthcheck"
	"github.com/taskmux/taskmux/internal/partial"
	"github.com/taskmux/taskmux/internal/task"
	"github.com/taskmux/taskmux/internal/worker"
)

// ErrNotFound is returned for task ids this node has never seen.
var ErrNotFound = errors.New("task not found")

// ErrTerminal is returned when a cancel hits an already finished task.
var ErrTerminal = errors.New("task already in a terminal state")

// Status is the external snapshot of one task.
type Status struct {
	TaskID        string       `json:"task_id"`
	State         task.State   `json:"state"`
	Ready         bool         `json:"ready"`
	Successful    bool         `json:"successful"`
	Failed        bool         `json:"failed"`
	Attempt       int          `json:"attempt"`
	LastErrorKind string       `json:"last_error_kind,omitempty"`
	Error         string       `json:"error,omitempty"`
	HasPartial    bool         `json:"has_partial"`
	RetryStatus   *RetryStatus `json:"retry_status,omitempty"`
}

// RetryStatus is populated while a task waits for its next attempt.
type RetryStatus struct {
	NextAttempt int       `json:"next_attempt"`
	RetryAt     time.Time `json:"retry_at"`
	ErrorKind   string    `json:"error_kind"`
}

// HealthStatus grades the worker pool.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the health endpoint payload.
type Health struct {
	Status      HealthStatus                        `json:"health_status"`
	Workers     worker.Health                       `json:"workers"`
	ActiveTasks int                                 `json:"active_tasks"`
	Backends    map[string]healthcheck.TargetStatus `json:"backends,omitempty"`
}

// Service answers control queries against the registry, the partial
// store, and the worker pool.
type Service struct {
	tasks    *task.Registry
	partials *partial.Store
	pool     *worker.Pool
	prober   *healthcheck.Prober
	logger   *slog.Logger
}

// AttachProber adds backend probe results to health reports.
func (s *Service) AttachProber(p *healthcheck.Prober) { s.prober = p }

// New builds a control service. pool may be nil on nodes that only
// dispatch.
func New(tasks *task.Registry, partials *partial.Store, pool *worker.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tasks: tasks, partials: partials, pool: pool, logger: logger}
}

// Status reports the current state of a task.
func (s *Service) Status(ctx context.Context, taskID string) (Status, error) {
	m, ok, err := s.tasks.Lookup(ctx, taskID)
	if err != nil {
		return Status{}, fmt.Errorf("lookup task: %w", err)
	}
	if !ok {
		return Status{}, ErrNotFound
	}

	st := Status{
		TaskID:        m.TaskID,
		State:         m.State,
		Ready:         m.State.Terminal(),
		Successful:    m.State == task.StateSucceeded,
		Failed:        m.State == task.StateFailed || m.State == task.StatePartiallyFailed,
		Attempt:       m.Attempt,
		LastErrorKind: m.ErrorKind,
		Error:         m.Error,
	}

	if rec, live := s.tasks.Live(taskID); live {
		snap := rec.Snapshot()
		if snap.State == task.StateRetrying {
			st.RetryStatus = &RetryStatus{
				NextAttempt: snap.Attempt + 1,
				RetryAt:     snap.NextRetryAt,
				ErrorKind:   string(snap.LastErrorKind),
			}
		}
	}

	if p, err := s.partials.Read(ctx, taskID); err == nil && p != nil {
		st.HasPartial = true
	}
	return st, nil
}

// Cancel requests cancellation of a non-terminal task and deletes its
// partial record. Terminal tasks refuse; unknown ids report ErrNotFound.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	if rec, live := s.tasks.Live(taskID); live {
		if !rec.RequestCancel() {
			return ErrTerminal
		}
		if err := s.partials.Delete(ctx, taskID); err != nil {
			s.logger.Warn("failed to delete partial on cancel", "task_id", taskID, "error", err)
		}
		s.logger.Info("cancel requested", "task_id", taskID)
		return nil
	}

	m, ok, err := s.tasks.Lookup(ctx, taskID)
	if err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if m.State.Terminal() {
		return ErrTerminal
	}
	// Known but not held by this process; nothing to signal here.
	return fmt.Errorf("task %s is not running on this node", taskID)
}

// Partial returns the persisted partial-response record for a task.
func (s *Service) Partial(ctx context.Context, taskID string) (*partial.Record, error) {
	p, err := s.partials.Read(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("read partial: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// ListActive snapshots every non-terminal task on this node.
func (s *Service) ListActive(context.Context) []task.Snapshot {
	return s.tasks.Active()
}

// Health grades the worker pool: healthy when every worker goroutine is
// alive, degraded when some are, unhealthy when none are.
func (s *Service) Health(context.Context) Health {
	h := Health{
		Status:      HealthUnhealthy,
		ActiveTasks: s.tasks.ActiveCount(),
	}
	if s.pool == nil {
		return h
	}
	h.Workers = s.pool.Health()
	switch {
	case h.Workers.WorkersAlive == h.Workers.WorkersTotal && h.Workers.WorkersTotal > 0:
		h.Status = HealthHealthy
	case h.Workers.WorkersAlive > 0:
		h.Status = HealthDegraded
	}
	if s.prober != nil {
		h.Backends = s.prober.Status()
		if h.Status == HealthHealthy && !s.prober.Healthy() {
			h.Status = HealthDegraded
		}
	}
	return h
}
