package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/taskmux/taskmux/pkg/types"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue: broker closed")

// MemoryBroker keeps queues in process memory. Suited to single-node
// deployments and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string][]Item
	closed bool

	// notify carries at most one pending wakeup so enqueuers never block.
	notify chan struct{}
	done   chan struct{}
}

// NewMemoryBroker builds an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string][]Item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, item Item) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q := item.Submission.Queue
	b.queues[q] = append(b.queues[q], item)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (Item, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Item{}, ErrClosed
		}
		for _, q := range types.KnownQueues() {
			items := b.queues[q]
			if len(items) == 0 {
				continue
			}
			item := items[0]
			b.queues[q] = items[1:]
			b.mu.Unlock()
			return item, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-b.done:
			return Item{}, ErrClosed
		case <-b.notify:
		}
	}
}

func (b *MemoryBroker) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return len(b.queues[queue]), nil
}

// Close wakes blocked consumers and rejects further operations. Queued
// items are dropped.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queues = nil
	b.mu.Unlock()

	close(b.done)
	return nil
}
