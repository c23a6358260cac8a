// Package worker runs tasks: it pulls submissions from the queue broker,
// streams provider output to the bus, and drives the retry controller
// when attempts fail.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmux/taskmux/internal/bus"
	"github.com/taskmux/taskmux/internal/metrics"
	"github.com/taskmux/taskmux/internal/observability"
	"github.com/taskmux/taskmux/internal/partial"
	"github.com/taskmux/taskmux/internal/retry"
	"github.com/taskmux/taskmux/internal/task"
	taskerrors "github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
)

// Config bounds a single task attempt.
type Config struct {
	// SoftTimeout logs a warning when an attempt runs long.
	SoftTimeout time.Duration

	// HardTimeout aborts the attempt; the resulting deadline error is
	// classified as a temporary network failure and retried.
	HardTimeout time.Duration
}

// DefaultConfig returns the documented attempt deadlines.
func DefaultConfig() Config {
	return Config{
		SoftTimeout: 120 * time.Second,
		HardTimeout: 180 * time.Second,
	}
}

// cleanupBudget bounds terminal publishes and persistence once the run
// context is already cancelled.
const cleanupBudget = 5 * time.Second

// Worker executes one task at a time.
type Worker struct {
	providers *provider.Registry
	bus       bus.Bus
	partials  *partial.Store
	tasks     *task.Registry
	policy    *retry.Policy
	cfg       atomic.Pointer[Config]
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New builds a worker around shared runtime pieces.
func New(providers *provider.Registry, b bus.Bus, partials *partial.Store, tasks *task.Registry, policy *retry.Policy, cfg Config, logger *slog.Logger, tracer trace.Tracer) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	w := &Worker{
		providers: providers,
		bus:       b,
		partials:  partials,
		tasks:     tasks,
		policy:    policy,
		logger:    logger,
		tracer:    tracer,
	}
	w.SetConfig(cfg)
	return w
}

// SetConfig swaps the attempt deadlines. Attempts already running keep
// the deadlines they started with; the next attempt picks up the new
// values.
func (w *Worker) SetConfig(cfg Config) {
	if cfg.SoftTimeout <= 0 {
		cfg = DefaultConfig()
	}
	w.cfg.Store(&cfg)
}

func (w *Worker) config() Config { return *w.cfg.Load() }

// Run drives a task record through to a terminal state. ctx cancellation
// means server shutdown: the attempt aborts and staged chunks are
// persisted best-effort. An explicit cancel on the record aborts the
// attempt, deletes the partial record, and ends the stream with a
// cancelled event.
func (w *Worker) Run(ctx context.Context, rec *task.Record) {
	sub := rec.Submission
	channel := sub.Channel()
	speaker, _ := sub.Metadata["speaker"].(string)
	start := time.Now()

	ctx, span := observability.StartTaskSpan(ctx, w.tracer, "task.run", rec.ID, sub.Queue, sub.ModelName)
	defer span.End()

	// One context for the whole run, cancelled either by shutdown or by
	// an explicit cancel request on the record.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-rec.Cancelled():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	if err := rec.Start(); err != nil {
		w.logger.Error("task cannot start", "task_id", rec.ID, "error", err)
		w.release(rec)
		return
	}
	w.publish(runCtx, channel, types.StartEvent(sub.SessionID, sub.ModelName))

	for {
		observability.RecordAttempt(span, rec.Attempt())
		streamErr := w.attempt(runCtx, rec, channel, speaker)

		if streamErr == nil {
			w.succeed(rec, channel, speaker, start, span)
			return
		}

		if rec.CancelRequested() {
			w.abortCancelled(rec, channel, start, span)
			return
		}
		if ctx.Err() != nil {
			w.abortShutdown(rec, streamErr, span)
			return
		}

		ce := taskerrors.Classify(streamErr)
		staged := w.partials.Staged(rec.ID)
		if len(staged) > 0 {
			cctx, done := w.cleanupContext()
			w.partials.Persist(cctx, rec.ID, map[string]any{
				"error":      ce.Message,
				"error_kind": string(ce.Kind),
				"attempt":    rec.Attempt(),
			})
			done()
			metrics.PartialsSaved.Inc()
		}

		shouldRetry, reason := w.policy.ShouldRetry(ce, rec.Attempt())
		if !shouldRetry {
			w.fail(rec, channel, ce, reason, staged, start, span)
			return
		}

		delay := w.policy.Delay(ce, rec.Attempt())
		retryAt := time.Now().Add(delay)
		if err := rec.MarkRetrying(ce.Kind, ce.Message, retryAt); err != nil {
			w.logger.Error("retry transition failed", "task_id", rec.ID, "error", err)
			w.release(rec)
			return
		}
		w.publish(runCtx, channel, types.RetryEvent(
			rec.Attempt()+1, w.policy.MaxRetries(ce.Kind), delay, string(ce.Kind), reason))
		metrics.RecordRetry(string(ce.Kind))
		w.logger.Info("retrying task",
			"task_id", rec.ID,
			"attempt", rec.Attempt(),
			"error_kind", ce.Kind,
			"delay", delay)

		if !w.sleep(runCtx, delay) {
			if rec.CancelRequested() {
				w.abortCancelled(rec, channel, start, span)
			} else {
				w.abortShutdown(rec, streamErr, span)
			}
			return
		}

		if err := rec.Start(); err != nil {
			w.logger.Error("attempt transition failed", "task_id", rec.ID, "error", err)
			w.release(rec)
			return
		}
		// The failed attempt's chunks stay persisted; the new attempt
		// regenerates from scratch.
		w.partials.Discard(rec.ID)
	}
}

// attempt streams one full provider response, staging every chunk and
// fanning it out to the bus. A nil return means the stream completed.
func (w *Worker) attempt(ctx context.Context, rec *task.Record, channel, speaker string) error {
	p, model, err := w.providers.Resolve(rec.Submission.ModelName)
	if err != nil {
		return err
	}

	cfg := w.config()
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.HardTimeout)
	defer cancel()

	soft := time.AfterFunc(cfg.SoftTimeout, func() {
		w.logger.Warn("attempt exceeded soft deadline",
			"task_id", rec.ID, "soft_timeout", cfg.SoftTimeout)
	})
	defer soft.Stop()

	stream, err := p.Stream(attemptCtx, model, rec.Submission.Messages)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	attemptStart := time.Now()
	index := 0
	for {
		if err := attemptCtx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		c := *chunk
		c.Index = index
		if c.Timestamp == 0 {
			c.Timestamp = time.Now().UnixNano()
		}
		if c.Speaker == "" {
			c.Speaker = speaker
		}
		index++

		if index == 1 {
			metrics.TimeToFirstChunk.
				WithLabelValues(metrics.ModelLabel(rec.Submission.ModelName)).
				Observe(time.Since(attemptStart).Seconds())
		}
		w.partials.Append(rec.ID, c)
		w.publish(attemptCtx, channel, types.ChunkEvent(c))
		metrics.RecordChunk(rec.Submission.ModelName)
	}
}

func (w *Worker) succeed(rec *task.Record, channel, speaker string, start time.Time, span trace.Span) {
	cleanupCtx, done := w.cleanupContext()
	defer done()

	chunks := w.partials.Staged(rec.ID)
	total := types.Reconstruct(chunks)
	w.publish(cleanupCtx, channel, types.CompleteEvent(total, len(chunks), time.Since(start), speaker))

	w.partials.Discard(rec.ID)
	if err := w.partials.Delete(cleanupCtx, rec.ID); err != nil {
		w.logger.Warn("failed to delete partial record", "task_id", rec.ID, "error", err)
	}
	if err := rec.MarkSucceeded(); err != nil {
		w.logger.Error("success transition failed", "task_id", rec.ID, "error", err)
	}
	observability.RecordOutcome(span, string(task.StateSucceeded), "")
	metrics.RecordFinish(rec.Submission.Queue, string(task.StateSucceeded), time.Since(start).Seconds())
	w.release(rec)
}

// fail ends the task after retries are exhausted or a permanent error.
// With staged chunks the client gets partial_complete then error; with
// none, error alone.
func (w *Worker) fail(rec *task.Record, channel string, ce *taskerrors.ClassifiedError, reason string, staged []types.Chunk, start time.Time, span trace.Span) {
	cleanupCtx, done := w.cleanupContext()
	defer done()

	state := task.StateFailed
	if len(staged) > 0 {
		w.publish(cleanupCtx, channel, types.PartialCompleteEvent(
			types.Reconstruct(staged), ce.Message, string(ce.Kind)))
		state = task.StatePartiallyFailed
		if err := rec.MarkPartiallyFailed(ce.Kind, ce.Message); err != nil {
			w.logger.Error("failure transition failed", "task_id", rec.ID, "error", err)
		}
	} else if err := rec.MarkFailed(ce.Kind, ce.Message); err != nil {
		w.logger.Error("failure transition failed", "task_id", rec.ID, "error", err)
	}
	w.publish(cleanupCtx, channel, types.ErrorEvent(ce.Message, string(ce.Kind), rec.Attempt(), reason))

	observability.RecordError(span, ce)
	observability.RecordOutcome(span, string(state), string(ce.Kind))
	metrics.RecordFinish(rec.Submission.Queue, string(state), time.Since(start).Seconds())
	w.logger.Warn("task failed",
		"task_id", rec.ID,
		"state", state,
		"error_kind", ce.Kind,
		"attempt", rec.Attempt(),
		"reason", reason)
	w.release(rec)
}

// abortCancelled handles an explicit cancel: in-flight chunks are
// discarded, the persisted partial is deleted, and the stream ends with
// a cancelled event.
func (w *Worker) abortCancelled(rec *task.Record, channel string, start time.Time, span trace.Span) {
	cleanupCtx, done := w.cleanupContext()
	defer done()

	w.partials.Discard(rec.ID)
	if err := w.partials.Delete(cleanupCtx, rec.ID); err != nil {
		w.logger.Warn("failed to delete partial record", "task_id", rec.ID, "error", err)
	}
	if err := rec.MarkCancelled(); err != nil {
		w.logger.Error("cancel transition failed", "task_id", rec.ID, "error", err)
	}
	w.publish(cleanupCtx, channel, types.CancelledEvent("cancelled by request"))

	observability.RecordOutcome(span, string(task.StateCancelled), "")
	metrics.RecordFinish(rec.Submission.Queue, string(task.StateCancelled), time.Since(start).Seconds())
	w.logger.Info("task cancelled", "task_id", rec.ID)
	w.release(rec)
}

// abortShutdown handles server shutdown: staged chunks are persisted so
// the partial survives the restart; no terminal event is published.
func (w *Worker) abortShutdown(rec *task.Record, cause error, span trace.Span) {
	if staged := w.partials.Staged(rec.ID); len(staged) > 0 {
		cctx, done := w.cleanupContext()
		w.partials.Persist(cctx, rec.ID, map[string]any{
			"error":   "server shutdown",
			"attempt": rec.Attempt(),
		})
		done()
		metrics.PartialsSaved.Inc()
	}
	w.partials.Discard(rec.ID)
	observability.RecordError(span, cause)
	w.logger.Info("task interrupted by shutdown", "task_id", rec.ID, "attempt", rec.Attempt())
	w.release(rec)
}

// sleep waits out a retry delay. Returns false if the run was cancelled
// first; the check granularity keeps cancel latency under a second.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) publish(ctx context.Context, channel string, ev types.Event) {
	if err := w.bus.Publish(ctx, channel, ev); err != nil {
		w.logger.Warn("failed to publish event",
			"channel", channel, "event_type", ev.Type, "error", err)
	}
}

func (w *Worker) release(rec *task.Record) {
	ctx, done := w.cleanupContext()
	defer done()
	w.tasks.Release(ctx, rec)
}

// cleanupContext survives run cancellation so terminal publishes and
// persistence can finish within a bounded budget.
func (w *Worker) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cleanupBudget)
}
