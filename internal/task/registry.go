package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/taskmux/taskmux/internal/kv"
)

// MetaKeyPrefix namespaces persisted task metadata in the backing store.
const MetaKeyPrefix = "meta-"

// DefaultMetaTTL bounds how long a finished task stays queryable.
const DefaultMetaTTL = time.Hour

// Meta is the small persisted summary of a task. It outlives the in-memory
// record so status queries keep working after the worker is done.
type Meta struct {
	TaskID    string    `json:"task_id"`
	Queue     string    `json:"queue"`
	State     State     `json:"state"`
	Attempt   int       `json:"attempt"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry tracks live task records and mirrors their metadata to the
// backing store. Live records win over persisted metadata on reads.
type Registry struct {
	backend kv.Store
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	active map[string]*Record
}

// NewRegistry builds a registry over a key-value backend.
func NewRegistry(backend kv.Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultMetaTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		active:  make(map[string]*Record),
	}
}

// Register makes a record visible to status queries and persists its
// initial metadata. The record stays live until Release.
func (g *Registry) Register(ctx context.Context, rec *Record) error {
	g.mu.Lock()
	if _, exists := g.active[rec.ID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("task %s already registered", rec.ID)
	}
	g.active[rec.ID] = rec
	g.mu.Unlock()

	if err := g.Sync(ctx, rec); err != nil {
		return fmt.Errorf("persist meta for task %s: %w", rec.ID, err)
	}
	return nil
}

// Live returns the in-memory record for a task, if the task is still held
// by a worker or waiting in a queue.
func (g *Registry) Live(taskID string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.active[taskID]
	return rec, ok
}

// Lookup resolves a task to its metadata: from the live record when
// present, otherwise from the backing store. The second return is false
// when the task is unknown.
func (g *Registry) Lookup(ctx context.Context, taskID string) (Meta, bool, error) {
	if rec, ok := g.Live(taskID); ok {
		return metaOf(rec.Snapshot()), true, nil
	}
	data, err := g.backend.Get(ctx, MetaKeyPrefix+taskID)
	if err != nil {
		return Meta{}, false, fmt.Errorf("read meta for task %s: %w", taskID, err)
	}
	if data == nil {
		return Meta{}, false, nil
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, false, fmt.Errorf("decode meta for task %s: %w", taskID, err)
	}
	return m, true, nil
}

// Active snapshots every live record, for the list endpoint.
func (g *Registry) Active() []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Snapshot, 0, len(g.active))
	for _, rec := range g.active {
		out = append(out, rec.Snapshot())
	}
	return out
}

// ActiveCount returns how many records are live.
func (g *Registry) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.active)
}

// Sync mirrors the record's current state to the backing store.
func (g *Registry) Sync(ctx context.Context, rec *Record) error {
	m := metaOf(rec.Snapshot())
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	return g.backend.Set(ctx, MetaKeyPrefix+rec.ID, data, g.ttl)
}

// Release persists the record's final state and drops it from the live
// set. Persistence is best-effort; a dead backend must not wedge a worker
// that is shutting a task down.
func (g *Registry) Release(ctx context.Context, rec *Record) {
	if err := g.Sync(ctx, rec); err != nil {
		g.logger.Warn("failed to persist final task meta",
			"task_id", rec.ID, "error", err)
	}
	g.mu.Lock()
	delete(g.active, rec.ID)
	g.mu.Unlock()
}

func metaOf(s Snapshot) Meta {
	m := Meta{
		TaskID:    s.TaskID,
		Queue:     s.Queue,
		State:     s.State,
		Attempt:   s.Attempt,
		Error:     s.LastError,
		UpdatedAt: s.UpdatedAt,
	}
	if s.LastErrorKind != "" {
		m.ErrorKind = string(s.LastErrorKind)
	}
	return m
}
