// Package kv provides the TTL-bounded key-value backend used for partial
// response records and task metadata. Two implementations exist: an
// in-memory store for single-process deployments and tests, and a Redis
// store for anything shared.
package kv

import (
	"context"
	"time"
)

// Store is a minimal TTL key-value contract.
type Store interface {
	// Get retrieves a value. Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL uses the
	// implementation default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
