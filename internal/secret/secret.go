// Package secret resolves configuration values that reference external
// secret sources. A value like "env://GEMINI_API_KEY" or
// "vault://secret/data/gemini#api_key" is routed to the provider for its
// scheme; values without a scheme are returned as-is.
package secret

import "context"

// Provider retrieves secrets from one backing source.
type Provider interface {
	// Get resolves the scheme-stripped path to a secret value.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
