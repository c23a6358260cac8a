// Package dispatch accepts task submissions, assigns task ids, routes to
// queues, and hands work to the broker.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmux/taskmux/internal/metrics"
	"github.com/taskmux/taskmux/internal/observability"
	"github.com/taskmux/taskmux/internal/queue"
	"github.com/taskmux/taskmux/internal/resilience"
	"github.com/taskmux/taskmux/internal/task"
	taskerrors "github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/types"
)

// ErrRateLimited is returned when admission control rejects a submission.
var ErrRateLimited = fmt.Errorf("dispatch: rate limited")

// routingTable maps task-name prefixes (from metadata "task") to queues.
var routingTable = []struct {
	prefix string
	queue  string
}{
	{"llm.", types.QueueLLM},
	{"feedback.", types.QueueFeedback},
	{"analytics.", types.QueueAnalytics},
	{"quick.", types.QueueQuick},
}

// RouteQueue picks the queue for a submission. An explicit known queue
// wins; otherwise the metadata task name is matched against the static
// prefix table; everything else lands on the default queue.
func RouteQueue(sub types.Submission) string {
	if sub.Queue != "" {
		for _, q := range types.KnownQueues() {
			if sub.Queue == q {
				return sub.Queue
			}
		}
	}
	if name, ok := sub.Metadata["task"].(string); ok {
		for _, route := range routingTable {
			if strings.HasPrefix(name, route.prefix) {
				return route.queue
			}
		}
	}
	return types.QueueDefault
}

// Dispatcher is the task entry point.
type Dispatcher struct {
	broker  queue.Broker
	tasks   *task.Registry
	limiter *resilience.DispatchLimiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New builds a dispatcher. limiter may be nil to disable admission
// control.
func New(broker queue.Broker, tasks *task.Registry, limiter *resilience.DispatchLimiter, logger *slog.Logger, tracer trace.Tracer) *Dispatcher {
	if limiter == nil {
		limiter = resilience.NewDispatchLimiter(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	return &Dispatcher{
		broker:  broker,
		tasks:   tasks,
		limiter: limiter,
		logger:  logger,
		tracer:  tracer,
	}
}

// Dispatch validates and enqueues a submission, returning the assigned
// task id. The task is registered before it is enqueued, so the id is
// queryable through the control API as soon as this returns.
func (d *Dispatcher) Dispatch(ctx context.Context, sub types.Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", fmt.Errorf("invalid submission: %w", err)
	}
	if !d.limiter.Allow() {
		return "", ErrRateLimited
	}

	taskID := uuid.NewString()
	sub.Queue = RouteQueue(sub)

	ctx, span := observability.StartTaskSpan(ctx, d.tracer, "task.dispatch", taskID, sub.Queue, sub.ModelName)
	defer span.End()

	rec := task.NewRecord(taskID, sub)
	if err := d.tasks.Register(ctx, rec); err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("register task: %w", err)
	}

	item := queue.Item{
		TaskID:     taskID,
		Submission: sub,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := d.broker.Enqueue(ctx, item); err != nil {
		observability.RecordError(span, err)
		// The id stays queryable with a terminal state rather than
		// dangling in Pending forever.
		if terr := rec.MarkFailed(taskerrors.KindUnknown, "enqueue failed: "+err.Error()); terr != nil {
			d.logger.Error("failure transition failed", "task_id", taskID, "error", terr)
		}
		d.tasks.Release(ctx, rec)
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	metrics.TasksDispatched.WithLabelValues(sub.Queue).Inc()
	d.logger.Info("task dispatched",
		"task_id", taskID,
		"queue", sub.Queue,
		"session_id", sub.SessionID,
		"model", sub.ModelName)
	return taskID, nil
}
