package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/taskmux/taskmux/pkg/types"
)

// RedisBus fans events out through Redis pub/sub so stream endpoints can
// run on different nodes than the workers that publish.
type RedisBus struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client goredis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger}
}

// Publish JSON-encodes the event and publishes it on the channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches to a Redis pub/sub channel. The subscription ends on
// a terminal event, ctx cancellation, or Close.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round-trip so publishers after this call are
	// guaranteed to reach us.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		events: make(chan types.Event, subscriberBuffer),
	}
	go sub.pump(ctx, b.logger, channel)
	return sub, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	pubsub *goredis.PubSub
	events chan types.Event

	closeOnce sync.Once
}

func (s *redisSub) pump(ctx context.Context, logger *slog.Logger, channel string) {
	defer close(s.events)
	defer func() { _ = s.pubsub.Close() }()

	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("discarding undecodable bus event",
					"channel", channel, "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Closes() {
				return
			}
		}
	}
}

// Events returns the subscriber's ordered event stream.
func (s *redisSub) Events() <-chan types.Event { return s.events }

// Close detaches from the pub/sub channel.
func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.pubsub.Close() })
	return err
}
