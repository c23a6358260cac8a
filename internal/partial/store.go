// Package partial preserves chunks produced by failed task attempts so
// clients can still render what the model said before the stream broke.
// Chunks accumulate in-process (staging) and are committed to a TTL
// backend only when an attempt ends abnormally or at a completion
// checkpoint.
package partial

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/taskmux/taskmux/internal/kv"
	"github.com/taskmux/taskmux/pkg/types"
)

// KeyPrefix namespaces persisted partial records in the backend.
const KeyPrefix = "partial_response:"

// DefaultTTL bounds how long a persisted partial outlives its task.
const DefaultTTL = time.Hour

// Record is a persisted partial response.
type Record struct {
	TaskID      string         `json:"task_id"`
	Chunks      []types.Chunk  `json:"chunks"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SavedAt     time.Time      `json:"saved_at"`
	TotalChunks int            `json:"total_chunks"`
}

// Content returns the record's chunks reconstructed in index order.
func (r *Record) Content() string {
	return types.Reconstruct(r.Chunks)
}

// Store stages chunks per task and persists them on demand.
// Persistence is best-effort: a dead backend degrades the feature from
// "show partial on failure" to "show error only", it never fails a worker.
type Store struct {
	backend kv.Store
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	staging map[string][]types.Chunk
}

// NewStore creates a partial-response store over the given backend.
func NewStore(backend kv.Store, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		staging: make(map[string][]types.Chunk),
	}
}

// Append stages a chunk for a task. No I/O happens here.
func (s *Store) Append(taskID string, chunk types.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging[taskID] = append(s.staging[taskID], chunk)
}

// Staged returns a copy of the currently staged chunks for a task.
func (s *Store) Staged(taskID string) []types.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.staging[taskID]
	out := make([]types.Chunk, len(staged))
	copy(out, staged)
	return out
}

// Discard drops staged chunks without persisting, e.g. when a new attempt
// starts or the task is cancelled.
func (s *Store) Discard(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staging, taskID)
}

// Persist commits the staged chunks for a task with the configured TTL,
// overwriting any previous record for the same task. Best-effort: backend
// failures are logged, not returned.
func (s *Store) Persist(ctx context.Context, taskID string, metadata map[string]any) {
	chunks := s.Staged(taskID)
	if len(chunks) == 0 {
		return
	}

	rec := Record{
		TaskID:      taskID,
		Chunks:      chunks,
		Metadata:    metadata,
		SavedAt:     time.Now().UTC(),
		TotalChunks: len(chunks),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("partial record marshal failed", "task_id", taskID, "error", err)
		return
	}

	if err := s.backend.Set(ctx, KeyPrefix+taskID, data, s.ttl); err != nil {
		s.logger.Warn("partial record persist failed", "task_id", taskID, "error", err)
	}
}

// Read returns the persisted record for a task, or nil when absent.
// Staged-but-unpersisted chunks are not visible here.
func (s *Store) Read(ctx context.Context, taskID string) (*Record, error) {
	data, err := s.backend.Get(ctx, KeyPrefix+taskID)
	if err != nil {
		return nil, fmt.Errorf("read partial record: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode partial record: %w", err)
	}
	return &rec, nil
}

// Delete removes the persisted record and any staged chunks for a task.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	s.Discard(taskID)
	if err := s.backend.Delete(ctx, KeyPrefix+taskID); err != nil {
		return fmt.Errorf("delete partial record: %w", err)
	}
	return nil
}
