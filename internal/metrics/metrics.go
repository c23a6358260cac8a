// Package metrics provides Prometheus metrics for the task system: task
// throughput per queue, retry counts per error kind, streaming volume,
// and HTTP surface latency.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskmux/taskmux/pkg/provider"
)

const namespace = "taskmux"

// DurationBuckets covers the expected spread of task run times, from
// sub-second quick-queue work up to the hard attempt deadline.
var DurationBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300,
}

var (
	// TasksDispatched counts accepted submissions per queue.
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total tasks accepted by the dispatcher",
		},
		[]string{"queue"},
	)

	// TasksFinished counts tasks reaching a terminal state.
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total tasks finished, by queue and terminal state",
		},
		[]string{"queue", "state"},
	)

	// RetriesTotal counts retry waits per error kind.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts scheduled, by error kind",
		},
		[]string{"error_kind"},
	)

	// ChunksStreamed counts chunks published to the bus.
	ChunksStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_streamed_total",
			Help:      "Total chunks published to the streaming bus",
		},
		[]string{"model"},
	)

	// PartialsSaved counts partial responses persisted after failed runs.
	PartialsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_saved_total",
			Help:      "Total partial responses persisted",
		},
	)

	// TaskDuration tracks wall time from dispatch to terminal state.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task duration from dispatch to terminal state",
			Buckets:   DurationBuckets,
		},
		[]string{"queue"},
	)

	// TimeToFirstChunk tracks streaming latency per model.
	TimeToFirstChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time from attempt start to first streamed chunk",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	// WorkersBusy gauges in-flight tasks per queue.
	WorkersBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Tasks currently being worked, by queue",
		},
		[]string{"queue"},
	)

	// QueueDepth gauges waiting items per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in each queue",
		},
		[]string{"queue"},
	)

	// StreamSubscribers gauges open SSE connections.
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Open stream subscriptions",
		},
	)
)

// RecordFinish records a task reaching a terminal state.
func RecordFinish(queue, state string, seconds float64) {
	TasksFinished.WithLabelValues(queue, state).Inc()
	TaskDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordRetry records one scheduled retry.
func RecordRetry(errorKind string) {
	RetriesTotal.WithLabelValues(errorKind).Inc()
}

// RecordChunk records one streamed chunk for a qualified model name.
func RecordChunk(model string) {
	ChunksStreamed.WithLabelValues(ModelLabel(model)).Inc()
}

const maxModelLabelLen = 64

// ModelLabel reduces a provider-qualified model name to a bounded,
// label-safe form.
func ModelLabel(model string) string {
	_, name := provider.SplitModelName(model)
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}

	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
