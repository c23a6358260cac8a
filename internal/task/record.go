// Package task holds per-task runtime state: the mutable record a worker
// drives through its lifecycle, and the registry the control API reads.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/types"
)

// State is the lifecycle phase of a task.
type State string

const (
	StatePending         State = "pending"
	StateRunning         State = "running"
	StateRetrying        State = "retrying"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StatePartiallyFailed State = "partially_failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StatePartiallyFailed, StateCancelled:
		return true
	}
	return false
}

// Record is the worker-owned mutable state of one in-flight task. All
// transitions go through its methods under a per-record lock; readers get
// a consistent view via Snapshot.
type Record struct {
	ID         string
	Submission types.Submission

	mu            sync.Mutex
	state         State
	attempt       int
	lastErrorKind errors.Kind
	lastError     string
	nextRetryAt   time.Time
	createdAt     time.Time
	updatedAt     time.Time

	cancelRequested bool
	cancelCh        chan struct{}
}

// NewRecord creates a Pending record for a submission.
func NewRecord(id string, sub types.Submission) *Record {
	now := time.Now()
	return &Record{
		ID:         id,
		Submission: sub,
		state:      StatePending,
		createdAt:  now,
		updatedAt:  now,
		cancelCh:   make(chan struct{}),
	}
}

// Snapshot is an immutable view of a record at one instant.
type Snapshot struct {
	TaskID        string
	Queue         string
	State         State
	Attempt       int
	LastErrorKind errors.Kind
	LastError     string
	NextRetryAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot returns a consistent copy of the record's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		TaskID:        r.ID,
		Queue:         r.Submission.Queue,
		State:         r.state,
		Attempt:       r.attempt,
		LastErrorKind: r.lastErrorKind,
		LastError:     r.lastError,
		NextRetryAt:   r.nextRetryAt,
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
	}
}

// State returns the current lifecycle phase.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt returns the 0-based attempt counter.
func (r *Record) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// transition moves the record to a new state after checking the edge is
// legal. Terminal states are absorbing.
func (r *Record) transition(to State, allowedFrom ...State) error {
	for _, from := range allowedFrom {
		if r.state == from {
			r.state = to
			r.updatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("task %s: illegal transition %s -> %s", r.ID, r.state, to)
}

// Start moves a Pending or Retrying record to Running. From Retrying this
// also advances the attempt counter.
func (r *Record) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRetrying {
		if err := r.transition(StateRunning, StateRetrying); err != nil {
			return err
		}
		r.attempt++
		r.nextRetryAt = time.Time{}
		return nil
	}
	return r.transition(StateRunning, StatePending)
}

// MarkRetrying records a temporary failure and the time of the next
// attempt. Only legal from Running.
func (r *Record) MarkRetrying(kind errors.Kind, cause string, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transition(StateRetrying, StateRunning); err != nil {
		return err
	}
	r.lastErrorKind = kind
	r.lastError = cause
	r.nextRetryAt = retryAt
	return nil
}

// MarkSucceeded finishes the task cleanly.
func (r *Record) MarkSucceeded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition(StateSucceeded, StateRunning)
}

// MarkFailed finishes the task with no usable output.
func (r *Record) MarkFailed(kind errors.Kind, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transition(StateFailed, StateRunning, StateRetrying, StatePending); err != nil {
		return err
	}
	r.lastErrorKind = kind
	r.lastError = cause
	return nil
}

// MarkPartiallyFailed finishes the task with a saved partial response.
func (r *Record) MarkPartiallyFailed(kind errors.Kind, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transition(StatePartiallyFailed, StateRunning, StateRetrying); err != nil {
		return err
	}
	r.lastErrorKind = kind
	r.lastError = cause
	return nil
}

// MarkCancelled finishes the task on an external cancel. Legal from any
// non-terminal state.
func (r *Record) MarkCancelled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition(StateCancelled, StatePending, StateRunning, StateRetrying)
}

// RequestCancel flags the record and wakes anything blocked on Cancelled().
// Returns false if the task is already terminal. Idempotent otherwise.
func (r *Record) RequestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	if !r.cancelRequested {
		r.cancelRequested = true
		close(r.cancelCh)
	}
	return true
}

// CancelRequested reports whether an external cancel has been flagged.
func (r *Record) CancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// Cancelled returns a channel closed when a cancel is requested. Workers
// select on it at every suspension point.
func (r *Record) Cancelled() <-chan struct{} {
	return r.cancelCh
}
