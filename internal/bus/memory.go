package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/taskmux/taskmux/pkg/types"
)

// subscriberBuffer sizes each subscriber's event queue. A subscriber that
// falls this far behind starts losing events rather than blocking the
// publishing worker.
const subscriberBuffer = 256

// MemoryBus is an in-process fan-out for single-node deployments and tests.
type MemoryBus struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string][]*memorySub
	closed   bool
}

type memorySub struct {
	bus     *MemoryBus
	channel string

	mu     sync.Mutex
	closed bool
	events chan types.Event
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger:   logger,
		channels: make(map[string][]*memorySub),
	}
}

// Publish delivers ev to every subscriber of channel, in order per
// subscriber. Slow subscribers drop events instead of blocking the
// publishing worker. A stream-closing event ends every subscription on
// the channel after delivery.
func (b *MemoryBus) Publish(_ context.Context, channel string, ev types.Event) error {
	b.mu.Lock()
	subs := make([]*memorySub, len(b.channels[channel]))
	copy(subs, b.channels[channel])
	if ev.Closes() {
		delete(b.channels, channel)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(ev) {
			b.logger.Warn("dropping event for slow subscriber",
				"channel", channel, "event_type", ev.Type)
		}
		if ev.Closes() {
			sub.finish()
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySub{
		bus:     b,
		channel: channel,
		events:  make(chan types.Event, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.finish()
		return sub, nil
	}
	b.channels[channel] = append(b.channels[channel], sub)
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

// Close tears down all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	channels := b.channels
	b.channels = make(map[string][]*memorySub)
	b.closed = true
	b.mu.Unlock()

	for _, subs := range channels {
		for _, sub := range subs {
			sub.finish()
		}
	}
	return nil
}

// SubscriberCount reports how many subscribers a channel currently has.
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

func (b *MemoryBus) detach(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.channels[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.channels[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.channels[sub.channel]) == 0 {
		delete(b.channels, sub.channel)
	}
}

// Events returns the subscriber's ordered event stream. The channel is
// closed after a terminal event; buffered events stay readable until
// drained.
func (s *memorySub) Events() <-chan types.Event { return s.events }

// Close detaches the subscriber from the bus.
func (s *memorySub) Close() error {
	s.bus.detach(s)
	s.finish()
	return nil
}

// send enqueues without blocking. Returns false if the event was dropped
// or the subscription already ended.
func (s *memorySub) send(ev types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *memorySub) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
