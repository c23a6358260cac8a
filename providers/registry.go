// Package providers wires the built-in provider adapters into a
// registry.
package providers

import (
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/providers/gemini"
	"github.com/taskmux/taskmux/providers/openai"
)

// RegisterBuiltins installs factories for every built-in adapter type.
// The "openai" factory also serves OpenAI-compatible backends pointed at
// a custom base_url.
func RegisterBuiltins(r *provider.Registry) {
	r.RegisterFactory("openai", openai.NewFromConfig)
	r.RegisterFactory("gemini", gemini.NewFromConfig)
}

// NewRegistry builds a registry with the built-in factories installed
// and one provider instance per config entry.
func NewRegistry(configs []provider.Config) (*provider.Registry, error) {
	r := provider.NewRegistry()
	RegisterBuiltins(r)
	for _, cfg := range configs {
		if _, err := r.Create(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}
