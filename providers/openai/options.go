package openai

import (
	"net/http"
	"time"
)

// Option configures the provider.
type Option func(*Provider)

// WithName overrides the registry name, for OpenAI-compatible backends
// served under a different identifier.
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithModels sets the explicitly supported model list.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = append(p.models, models...) }
}

// WithTimeout bounds each upstream request end to end.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}
