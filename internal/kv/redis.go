package kv

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis is a TTL store backed by a Redis instance.
type Redis struct {
	client     goredis.UniversalClient
	namespace  string
	defaultTTL time.Duration
}

// NewRedis wraps an existing Redis client. All keys are prefixed with
// namespace + ":".
func NewRedis(client goredis.UniversalClient, namespace string, defaultTTL time.Duration) *Redis {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Redis{
		client:     client,
		namespace:  namespace,
		defaultTTL: defaultTTL,
	}
}

func (r *Redis) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

// Get retrieves a value, or nil, nil on miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Delete removes a key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller and may be shared
// with the bus and broker.
func (r *Redis) Close() error { return nil }
