// Package queue moves accepted submissions from the dispatcher to the
// worker pool. Brokers serve multiple named queues and always hand out
// work from the highest-priority non-empty queue.
package queue

import (
	"context"
	"time"

	"github.com/taskmux/taskmux/pkg/types"
)

// Item is one unit of queued work. It is self-contained so a broker
// backed by shared storage can feed workers in another process.
type Item struct {
	TaskID     string           `json:"task_id"`
	Submission types.Submission `json:"submission"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Broker is a multi-queue FIFO with static inter-queue priority.
type Broker interface {
	// Enqueue appends the item to its submission's queue.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue blocks until an item is available on any queue or ctx is
	// done. Items from higher-priority queues are returned first; within
	// one queue, order is FIFO.
	Dequeue(ctx context.Context) (Item, error)

	// Depth reports how many items are waiting on the named queue.
	Depth(ctx context.Context, queue string) (int, error)

	Close() error
}
