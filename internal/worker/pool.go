package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmux/taskmux/internal/metrics"
	"github.com/taskmux/taskmux/internal/queue"
	"github.com/taskmux/taskmux/internal/resilience"
	"github.com/taskmux/taskmux/internal/task"
)

// Pool runs a fixed set of worker goroutines over the queue broker.
// Per-queue concurrency is enforced by semaphores, so a burst on one
// queue cannot monopolize the pool.
type Pool struct {
	broker queue.Broker
	tasks  *task.Registry
	sems   *resilience.QueueSemaphores
	worker *Worker
	size   int
	drain  time.Duration
	logger *slog.Logger

	alive    atomic.Int64
	lastBeat atomic.Int64
}

// NewPool sizes the pool to the sum of the per-queue limits held by sems.
func NewPool(broker queue.Broker, tasks *task.Registry, sems *resilience.QueueSemaphores, w *Worker, drain time.Duration, logger *slog.Logger) *Pool {
	size := 0
	for _, c := range sems.Capacity() {
		size += c
	}
	if size <= 0 {
		size = 1
	}
	if drain <= 0 {
		drain = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		broker: broker,
		tasks:  tasks,
		sems:   sems,
		worker: w,
		size:   size,
		drain:  drain,
		logger: logger,
	}
}

// Run blocks until ctx is cancelled and every worker goroutine has
// finished its current task or the drain budget elapses.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped", "workers", p.size)
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	p.alive.Add(1)
	defer p.alive.Add(-1)

	for {
		p.beat()

		item, err := p.broker.Dequeue(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, queue.ErrClosed):
			return
		case err != nil:
			p.logger.Error("dequeue failed", "worker", id, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		q := item.Submission.Queue
		if err := p.sems.Acquire(ctx, q); err != nil {
			// Shutdown while waiting for a permit. The item is dropped
			// from this process; its meta stays queryable.
			p.logger.Warn("dropping dequeued task on shutdown",
				"worker", id, "task_id", item.TaskID)
			return
		}

		rec := p.resolveRecord(item)
		metrics.WorkersBusy.WithLabelValues(q).Inc()
		p.worker.Run(ctx, rec)
		metrics.WorkersBusy.WithLabelValues(q).Dec()
		p.sems.Release(q)
	}
}

// resolveRecord prefers the live record the dispatcher registered; when
// the item came from another process through a shared broker, a fresh
// record is registered here.
func (p *Pool) resolveRecord(item queue.Item) *task.Record {
	if rec, ok := p.tasks.Live(item.TaskID); ok {
		return rec
	}
	rec := task.NewRecord(item.TaskID, item.Submission)
	regCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := p.tasks.Register(regCtx, rec); err != nil {
		p.logger.Warn("could not register dequeued task", "task_id", item.TaskID, "error", err)
	}
	return rec
}

func (p *Pool) beat() {
	p.lastBeat.Store(time.Now().UnixNano())
}

// Health summarizes pool liveness for the health endpoint.
type Health struct {
	WorkersAlive  int            `json:"workers_alive"`
	WorkersTotal  int            `json:"workers_total"`
	InFlight      map[string]int `json:"in_flight"`
	Capacity      map[string]int `json:"capacity"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// Health reports how many workers are alive and what they are doing.
func (p *Pool) Health() Health {
	return Health{
		WorkersAlive:  int(p.alive.Load()),
		WorkersTotal:  p.size,
		InFlight:      p.sems.InFlight(),
		Capacity:      p.sems.Capacity(),
		LastHeartbeat: time.Unix(0, p.lastBeat.Load()),
	}
}

// DrainBudget returns the shutdown drain budget.
func (p *Pool) DrainBudget() time.Duration { return p.drain }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
