// Package provider defines the interface between the task core and LLM
// backends. A provider accepts a prompt bundle and yields a lazy, finite
// stream of content chunks; everything else (SDKs, wire formats, auth) is
// the adapter's business.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskmux/taskmux/pkg/types"
)

// Provider is the narrow contract an LLM backend implements.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai").
	Name() string

	// SupportsModel checks whether the provider serves the given
	// unqualified model name.
	SupportsModel(model string) bool

	// Stream starts a completion and returns an iterator of chunks.
	// The returned stream honors ctx cancellation between pulls.
	Stream(ctx context.Context, model string, messages []types.Message) (ChunkStream, error)
}

// ChunkStream is a lazy finite sequence of chunks.
type ChunkStream interface {
	// Recv returns the next chunk. It returns io.EOF when the stream is
	// complete and any other error on failure.
	Recv() (*types.Chunk, error)

	// Close releases resources associated with the stream.
	Close() error
}

// Config contains provider adapter configuration.
type Config struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []string          `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// Factory creates provider instances from configuration.
type Factory func(cfg Config) (Provider, error)

// SplitModelName splits a provider-qualified model name such as
// "gemini/gemini-1.5-flash" into provider and model parts. A name without
// a provider prefix returns an empty provider.
func SplitModelName(qualified string) (providerName, model string) {
	if i := strings.IndexByte(qualified, '/'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "", qualified
}

// Registry resolves provider-qualified model names to provider instances.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// RegisterFactory registers a factory for a provider type.
func (r *Registry) RegisterFactory(providerType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = factory
}

// Register adds a ready provider instance under its name.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[p.Name()]; exists {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	r.instances[p.Name()] = p
	return nil
}

// Create builds a provider from config using a registered factory and
// registers the instance.
func (r *Registry) Create(cfg Config) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}

	if cfg.BaseURL != "" {
		if err := ValidateBaseURL(cfg.BaseURL, true); err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Resolve returns the provider for a qualified model name.
func (r *Registry) Resolve(qualifiedModel string) (Provider, string, error) {
	providerName, model := SplitModelName(qualifiedModel)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerName != "" {
		p, ok := r.instances[providerName]
		if !ok {
			return nil, "", fmt.Errorf("provider %s not found for model %s", providerName, qualifiedModel)
		}
		if !p.SupportsModel(model) {
			return nil, "", fmt.Errorf("provider %s does not support model %s", providerName, model)
		}
		return p, model, nil
	}

	// Unqualified: first provider claiming the model wins.
	for _, p := range r.instances {
		if p.SupportsModel(model) {
			return p, model, nil
		}
	}
	return nil, "", fmt.Errorf("no provider supports model %s", model)
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	return names
}
