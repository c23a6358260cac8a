// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskmux/taskmux/internal/retry"
	"github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/types"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	Queues    QueuesConfig     `yaml:"queues"`
	Retry     RetryConfig      `yaml:"retry"`
	Store     StoreConfig      `yaml:"store"`
	Stream    StreamConfig     `yaml:"stream"`
	Worker    WorkerConfig     `yaml:"worker"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Providers []ProviderConfig `yaml:"providers"`
	Vault     VaultConfig      `yaml:"vault"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig selects and configures the shared Redis backend. When
// disabled, the bus, queues, and store all run in process memory.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"` // plain, env:// or vault:// reference
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// QueuesConfig sets per-queue worker concurrency.
type QueuesConfig struct {
	Concurrency        map[string]int `yaml:"concurrency"`
	DefaultConcurrency int            `yaml:"default_concurrency"`
}

// RetryConfig overrides the built-in backoff table per error kind.
type RetryConfig struct {
	Policies map[string]retry.Entry `yaml:"policies"`
}

// StoreConfig sets TTLs for persisted task state.
type StoreConfig struct {
	PartialTTL time.Duration `yaml:"partial_ttl"`
	MetaTTL    time.Duration `yaml:"meta_ttl"`
}

// StreamConfig tunes the SSE stream endpoint.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StreamTimeout     time.Duration `yaml:"stream_timeout"`
}

// WorkerConfig bounds a single task attempt and pool shutdown.
type WorkerConfig struct {
	SoftTimeout  time.Duration `yaml:"soft_timeout"`
	HardTimeout  time.Duration `yaml:"hard_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DispatchConfig throttles task admission. Zero rate disables limiting.
type DispatchConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// ProviderConfig defines one upstream LLM provider.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"` // plain, env:// or vault:// reference
	BaseURL string            `yaml:"base_url"`
	Models  []string          `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// VaultConfig enables vault:// secret references. Resolved secrets are
// cached for CacheTTL to keep key lookups off the network.
type VaultConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Address    string        `yaml:"address"`
	AuthMethod string        `yaml:"auth_method"` // approle, cert
	RoleID     string        `yaml:"role_id"`
	SecretID   string        `yaml:"secret_id"`
	CACert     string        `yaml:"ca_cert"`
	ClientCert string        `yaml:"client_cert"`
	ClientKey  string        `yaml:"client_key"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 330 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "taskmux",
		},
		Queues: QueuesConfig{
			Concurrency: map[string]int{
				types.QueueLLM:       4,
				types.QueueQuick:     8,
				types.QueueFeedback:  2,
				types.QueueAnalytics: 2,
				types.QueueDefault:   4,
			},
			DefaultConcurrency: 4,
		},
		Store: StoreConfig{
			PartialTTL: time.Hour,
			MetaTTL:    time.Hour,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 15 * time.Second,
			StreamTimeout:     300 * time.Second,
		},
		Worker: WorkerConfig{
			SoftTimeout:  120 * time.Second,
			HardTimeout:  180 * time.Second,
			DrainTimeout: 5 * time.Second,
		},
		Vault: VaultConfig{
			AuthMethod: "approle",
			CacheTTL:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "taskmux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// RetryEntries materializes the retry table: built-in defaults overlaid
// with any per-kind overrides from the file.
func (c *Config) RetryEntries() map[errors.Kind]retry.Entry {
	entries := retry.DefaultEntries()
	for kind, entry := range c.Retry.Policies {
		entries[errors.Kind(kind)] = entry
	}
	return entries
}

// RetryPolicy builds a policy from the materialized table.
func (c *Config) RetryPolicy() *retry.Policy {
	return retry.NewPolicy(c.RetryEntries())
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	known := make(map[string]bool)
	for _, q := range types.KnownQueues() {
		known[q] = true
	}
	for q, n := range c.Queues.Concurrency {
		if !known[q] {
			return fmt.Errorf("queues.concurrency: unknown queue %q", q)
		}
		if n <= 0 {
			return fmt.Errorf("queues.concurrency[%s]: must be positive", q)
		}
	}

	for kind, entry := range c.Retry.Policies {
		if errors.Kind(kind).Permanent() {
			return fmt.Errorf("retry.policies[%s]: permanent kinds are never retried", kind)
		}
		if entry.MaxRetries < 0 {
			return fmt.Errorf("retry.policies[%s]: max_retries cannot be negative", kind)
		}
		if entry.BaseDelay <= 0 || entry.MaxDelay < entry.BaseDelay {
			return fmt.Errorf("retry.policies[%s]: need 0 < base_delay <= max_delay", kind)
		}
		if entry.BackoffFactor < 1 {
			return fmt.Errorf("retry.policies[%s]: backoff_factor must be >= 1", kind)
		}
	}

	if c.Store.PartialTTL < 0 || c.Store.MetaTTL < 0 {
		return fmt.Errorf("store TTLs cannot be negative")
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be positive")
	}
	if c.Stream.StreamTimeout <= c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.stream_timeout must exceed the heartbeat interval")
	}
	if c.Worker.SoftTimeout <= 0 || c.Worker.HardTimeout < c.Worker.SoftTimeout {
		return fmt.Errorf("worker timeouts: need 0 < soft_timeout <= hard_timeout")
	}
	if c.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("dispatch.rate_per_second cannot be negative")
	}

	if c.Vault.Enabled {
		if c.Vault.Address == "" {
			return fmt.Errorf("vault.address is required when vault is enabled")
		}
		switch c.Vault.AuthMethod {
		case "approle":
			if c.Vault.RoleID == "" || c.Vault.SecretID == "" {
				return fmt.Errorf("vault approle auth needs role_id and secret_id")
			}
		case "cert":
			if c.Vault.ClientCert == "" || c.Vault.ClientKey == "" {
				return fmt.Errorf("vault cert auth needs client_cert and client_key")
			}
		default:
			return fmt.Errorf("vault.auth_method must be approle or cert, got %q", c.Vault.AuthMethod)
		}
		if c.Vault.CacheTTL < 0 {
			return fmt.Errorf("vault.cache_ttl cannot be negative")
		}
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider[%d]: type is required", i)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider[%d] %q: api_key is required", i, p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider[%d] %q: at least one model must be configured", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
	}

	return nil
}
