// Package resilience provides the concurrency and rate controls the
// dispatcher and worker pool run under.
package resilience

import (
	"context"
	"errors"
	"sync"
)

// ErrSemaphoreFull is returned by TryAcquire when no permit is free.
var ErrSemaphoreFull = errors.New("semaphore is full")

// Semaphore is a counting semaphore with FIFO waiters and context-aware
// blocking acquisition.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacities
// below one are clamped to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// TryAcquire takes a permit without blocking. Returns false when full.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

// Acquire blocks until a permit is available or ctx is done. The free
// check and waiter registration share one critical section so a Release
// landing in between cannot strand the waiter.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.current < s.capacity {
		s.current++
		s.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// The permit was handed to us concurrently with cancellation;
		// give it back.
		s.Release()
		return ctx.Err()
	}
}

// Release returns a permit. If a waiter is queued the permit transfers
// directly to it.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current <= 0 {
		return
	}
	if len(s.waiters) > 0 {
		waiter := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(waiter)
		return
	}
	s.current--
}

// Current returns the number of permits held.
func (s *Semaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Capacity returns the permit limit.
func (s *Semaphore) Capacity() int { return s.capacity }

// QueueSemaphores caps in-flight tasks per named queue.
type QueueSemaphores struct {
	sems map[string]*Semaphore
}

// NewQueueSemaphores builds one semaphore per queue from a limits map.
// Queues absent from the map get defaultLimit.
func NewQueueSemaphores(queues []string, limits map[string]int, defaultLimit int) *QueueSemaphores {
	if defaultLimit <= 0 {
		defaultLimit = 1
	}
	sems := make(map[string]*Semaphore, len(queues))
	for _, q := range queues {
		limit, ok := limits[q]
		if !ok {
			limit = defaultLimit
		}
		sems[q] = NewSemaphore(limit)
	}
	return &QueueSemaphores{sems: sems}
}

// Acquire takes a permit for the queue, blocking until one is free or
// ctx is done. Unknown queues are rejected.
func (qs *QueueSemaphores) Acquire(ctx context.Context, queue string) error {
	sem, ok := qs.sems[queue]
	if !ok {
		return errors.New("no semaphore for queue " + queue)
	}
	return sem.Acquire(ctx)
}

// Release returns the queue's permit.
func (qs *QueueSemaphores) Release(queue string) {
	if sem, ok := qs.sems[queue]; ok {
		sem.Release()
	}
}

// InFlight reports held permits per queue, for the health endpoint.
func (qs *QueueSemaphores) InFlight() map[string]int {
	out := make(map[string]int, len(qs.sems))
	for q, sem := range qs.sems {
		out[q] = sem.Current()
	}
	return out
}

// Capacity reports the permit limit per queue.
func (qs *QueueSemaphores) Capacity() map[string]int {
	out := make(map[string]int, len(qs.sems))
	for q, sem := range qs.sems {
		out[q] = sem.Capacity()
	}
	return out
}
