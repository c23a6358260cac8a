// Package bus is the pub/sub fabric between workers and stream endpoints.
// Channels are opaque names, events are typed envelopes, and delivery is
// at-least-once in publish order within a single subscription. The bus is
// not a log: late subscribers do not see past events.
package bus

import (
	"context"

	"github.com/taskmux/taskmux/pkg/types"
)

// Bus fan-outs events from one publisher to any number of subscribers.
type Bus interface {
	// Publish delivers an event to all current subscribers of a channel.
	Publish(ctx context.Context, channel string, ev types.Event) error

	// Subscribe attaches to a channel. The subscription ends when a
	// terminal event is delivered, ctx is cancelled, or Close is called.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close tears down the bus and all subscriptions.
	Close() error
}

// Subscription is one consumer's ordered view of a channel.
type Subscription interface {
	// Events returns the event channel. It is closed after a terminal
	// event or when the subscription is torn down.
	Events() <-chan types.Event

	// Close detaches the subscriber. Safe to call more than once.
	Close() error
}
