package taskmux

import (
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskmux/taskmux/internal/config"
	"github.com/taskmux/taskmux/internal/secret"
	"github.com/taskmux/taskmux/pkg/provider"
)

// Option configures a Runtime.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	cfg        *config.Config
	configFile string
	logger     *slog.Logger
	secrets    *secret.Resolver
	redis      goredis.UniversalClient

	providerConfigs   []provider.Config
	providerInstances []provider.Provider
}

// WithConfig supplies a complete configuration. It replaces the
// defaults; combine with WithProvider to add providers on top.
func WithConfig(cfg *config.Config) Option {
	return func(rc *runtimeConfig) {
		if cfg != nil {
			rc.cfg = cfg
		}
	}
}

// WithConfigFile loads configuration from a YAML file. Environment
// variable references in the file are expanded.
func WithConfigFile(path string) Option {
	return func(rc *runtimeConfig) { rc.configFile = path }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rc *runtimeConfig) { rc.logger = logger }
}

// WithProvider adds a provider built from configuration. The API key
// may be a secret reference (env:// or vault://).
func WithProvider(cfg ProviderConfig) Option {
	return func(rc *runtimeConfig) {
		rc.providerConfigs = append(rc.providerConfigs, cfg)
	}
}

// WithProviderInstance registers a ready provider instance, for custom
// adapters and tests.
func WithProviderInstance(p Provider) Option {
	return func(rc *runtimeConfig) {
		rc.providerInstances = append(rc.providerInstances, p)
	}
}

// WithSecretResolver replaces the default secret resolver (which only
// handles env:// references).
func WithSecretResolver(r *secret.Resolver) Option {
	return func(rc *runtimeConfig) { rc.secrets = r }
}

// WithRedisClient supplies an existing Redis client instead of letting
// the runtime build one from configuration. Implies Redis-backed
// storage, bus, and queues.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(rc *runtimeConfig) { rc.redis = client }
}
