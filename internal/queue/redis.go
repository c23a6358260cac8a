package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/taskmux/taskmux/pkg/types"
)

const queueKeyPrefix = "queue:"

// brpopTimeout bounds each blocking pop so shutdown is prompt even when
// the server-side block outlives the caller's context.
const brpopTimeout = time.Second

// RedisBroker stores queues as Redis lists. Producers LPUSH, consumers
// BRPOP, so items come out FIFO per queue; the BRPOP key order gives the
// inter-queue priority.
type RedisBroker struct {
	client goredis.UniversalClient
	logger *slog.Logger
	keys   []string
}

// NewRedisBroker wraps an existing Redis client.
func NewRedisBroker(client goredis.UniversalClient, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	known := types.KnownQueues()
	keys := make([]string, len(known))
	for i, q := range known {
		keys[i] = queueKeyPrefix + q
	}
	return &RedisBroker{client: client, logger: logger, keys: keys}
}

func (b *RedisBroker) Enqueue(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	key := queueKeyPrefix + item.Submission.Queue
	if err := b.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("enqueue on %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		// BRPOP scans keys in order, so higher-priority queues win.
		res, err := b.client.BRPop(ctx, brpopTimeout, b.keys...).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			return Item{}, fmt.Errorf("dequeue: %w", err)
		}

		// res is [key, payload].
		var item Item
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			b.logger.Warn("discarding undecodable queue item",
				"queue", res[0], "error", err)
			continue
		}
		return item, nil
	}
}

func (b *RedisBroker) Depth(ctx context.Context, queue string) (int, error) {
	n, err := b.client.LLen(ctx, queueKeyPrefix+queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth for %s: %w", queue, err)
	}
	return int(n), nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }
