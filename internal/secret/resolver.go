package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	envprovider "github.com/taskmux/taskmux/internal/secret/env"
)

// Resolver routes secret references to registered providers by scheme.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{providers: make(map[string]Provider)}
}

// NewDefaultResolver returns a resolver with the env:// scheme wired,
// which covers the common case of API keys in environment variables.
func NewDefaultResolver() *Resolver {
	r := NewResolver()
	r.Register("env", envprovider.New())
	return r
}

// Register binds a provider to a scheme such as "env" or "vault".
func (r *Resolver) Register(scheme string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = provider
}

// Resolve returns the secret a reference points at. References without a
// "scheme://" prefix are treated as literal values.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, found := strings.Cut(ref, "://")
	if !found {
		return ref, nil
	}

	r.mu.RLock()
	provider, ok := r.providers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}
	return provider.Get(ctx, path)
}

// Close closes all registered providers.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Cached decorates a Provider with an expiring in-memory cache, so hot
// paths like per-request API key lookups avoid a network round-trip.
type Cached struct {
	inner Provider
	cache *gocache.Cache
}

// NewCached caches the inner provider's results for ttl.
func NewCached(inner Provider, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: gocache.New(ttl, ttl*2),
	}
}

func (c *Cached) Get(ctx context.Context, path string) (string, error) {
	if val, found := c.cache.Get(path); found {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}
	val, err := c.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	c.cache.Set(path, val, gocache.DefaultExpiration)
	return val, nil
}

func (c *Cached) Close() error { return c.inner.Close() }
