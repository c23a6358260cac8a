package kv

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process TTL store backed by go-cache.
type Memory struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
}

// NewMemory creates an in-memory store. Expired entries are swept every
// minute; reads of expired keys miss immediately regardless.
func NewMemory(defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Memory{
		cache:      gocache.New(defaultTTL, time.Minute),
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value, or nil, nil on miss.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	data := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set stores a value with the given TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.cache.Set(key, stored, ttl)
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op; go-cache's janitor stops on GC.
func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}
