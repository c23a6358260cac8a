package taskmux

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/taskmux/taskmux/internal/api"
	"github.com/taskmux/taskmux/internal/bus"
	"github.com/taskmux/taskmux/internal/config"
	"github.com/taskmux/taskmux/internal/control"
	"github.com/taskmux/taskmux/internal/dispatch"
	"github.com/taskmux/taskmux/internal/healthcheck"
	"github.com/taskmux/taskmux/internal/kv"
	"github.com/taskmux/taskmux/internal/observability"
	"github.com/taskmux/taskmux/internal/partial"
	"github.com/taskmux/taskmux/internal/queue"
	"github.com/taskmux/taskmux/internal/resilience"
	"github.com/taskmux/taskmux/internal/retry"
	"github.com/taskmux/taskmux/internal/secret"
	"github.com/taskmux/taskmux/internal/secret/vault"
	"github.com/taskmux/taskmux/internal/streaming"
	"github.com/taskmux/taskmux/internal/task"
	"github.com/taskmux/taskmux/internal/worker"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
	"github.com/taskmux/taskmux/providers"
)

// Runtime owns the full task pipeline: dispatcher, queues, worker pool,
// stream bus, and stores. Build one with New, run it with Start, and
// tear it down with Shutdown.
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	secrets  *secret.Resolver
	redis    goredis.UniversalClient
	ownRedis bool

	store      kv.Store
	bus        bus.Bus
	broker     queue.Broker
	registry   *provider.Registry
	tasks      *task.Registry
	partials   *partial.Store
	dispatcher *dispatch.Dispatcher
	policy     *retry.Policy
	worker     *worker.Worker
	pool       *worker.Pool
	control    *control.Service
	prober     *healthcheck.Prober
	stream     *streaming.Handler
	handler    http.Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a Runtime from options. Secret references in provider
// API keys and the Redis password are resolved during assembly.
func New(opts ...Option) (*Runtime, error) {
	rc := &runtimeConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	cfg := rc.cfg
	if cfg == nil && rc.configFile != "" {
		loaded, err := config.LoadFromFile(rc.configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if len(rc.providerConfigs) > 0 {
		for _, pc := range rc.providerConfigs {
			cfg.Providers = append(cfg.Providers, config.ProviderConfig(pc))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := rc.logger
	if logger == nil {
		logger = slog.Default()
	}

	secrets := rc.secrets
	if secrets == nil {
		secrets = secret.NewDefaultResolver()
	}
	if cfg.Vault.Enabled {
		vp, err := vault.New(vault.Config{
			Address:    cfg.Vault.Address,
			AuthMethod: cfg.Vault.AuthMethod,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
			CACert:     cfg.Vault.CACert,
			ClientCert: cfg.Vault.ClientCert,
			ClientKey:  cfg.Vault.ClientKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("vault secret provider: %w", err)
		}
		secrets.Register("vault", secret.NewCached(vp, cfg.Vault.CacheTTL))
	}

	rt := &Runtime{
		cfg:     cfg,
		logger:  logger,
		secrets: secrets,
		done:    make(chan struct{}),
	}

	ctx := context.Background()
	if err := rt.initBackends(ctx, rc); err != nil {
		return nil, err
	}
	if err := rt.initProviders(ctx); err != nil {
		_ = rt.closeBackends()
		return nil, err
	}
	for _, p := range rc.providerInstances {
		if err := rt.registry.Register(p); err != nil {
			_ = rt.closeBackends()
			return nil, err
		}
	}
	rt.initPipeline()
	return rt, nil
}

// initBackends picks memory or Redis implementations for the store, the
// bus, and the queue broker.
func (rt *Runtime) initBackends(ctx context.Context, rc *runtimeConfig) error {
	useRedis := rc.redis != nil || rt.cfg.Redis.Enabled
	if !useRedis {
		rt.store = kv.NewMemory(rt.cfg.Store.MetaTTL)
		rt.bus = bus.NewMemoryBus(rt.logger)
		rt.broker = queue.NewMemoryBroker()
		return nil
	}

	client := rc.redis
	if client == nil {
		password, err := rt.secrets.Resolve(ctx, rt.cfg.Redis.Password)
		if err != nil {
			return fmt.Errorf("resolve redis password: %w", err)
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:     rt.cfg.Redis.Addr,
			Password: password,
			DB:       rt.cfg.Redis.DB,
		})
		rt.ownRedis = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	rt.redis = client
	rt.store = kv.NewRedis(client, rt.cfg.Redis.Namespace, rt.cfg.Store.MetaTTL)
	rt.bus = bus.NewRedisBus(client, rt.logger)
	rt.broker = queue.NewRedisBroker(client, rt.logger)
	return nil
}

func (rt *Runtime) initProviders(ctx context.Context) error {
	configs := make([]provider.Config, 0, len(rt.cfg.Providers))
	for _, pc := range rt.cfg.Providers {
		apiKey, err := rt.secrets.Resolve(ctx, pc.APIKey)
		if err != nil {
			return fmt.Errorf("resolve api key for provider %s: %w", pc.Name, err)
		}
		cfg := provider.Config(pc)
		cfg.APIKey = apiKey
		configs = append(configs, cfg)
	}

	registry, err := providers.NewRegistry(configs)
	if err != nil {
		return err
	}
	rt.registry = registry
	return nil
}

func (rt *Runtime) initPipeline() {
	cfg := rt.cfg
	tracer := otel.Tracer(observability.TracerName)

	rt.tasks = task.NewRegistry(rt.store, cfg.Store.MetaTTL, rt.logger)
	rt.partials = partial.NewStore(rt.store, cfg.Store.PartialTTL, rt.logger)

	limiter := resilience.NewDispatchLimiter(cfg.Dispatch.RatePerSecond, cfg.Dispatch.Burst)
	rt.dispatcher = dispatch.New(rt.broker, rt.tasks, limiter, rt.logger, tracer)

	rt.policy = cfg.RetryPolicy()
	rt.worker = worker.New(rt.registry, rt.bus, rt.partials, rt.tasks, rt.policy, worker.Config{
		SoftTimeout: cfg.Worker.SoftTimeout,
		HardTimeout: cfg.Worker.HardTimeout,
	}, rt.logger, tracer)

	sems := resilience.NewQueueSemaphores(types.KnownQueues(), cfg.Queues.Concurrency, cfg.Queues.DefaultConcurrency)
	rt.pool = worker.NewPool(rt.broker, rt.tasks, sems, rt.worker, cfg.Worker.DrainTimeout, rt.logger)

	rt.control = control.New(rt.tasks, rt.partials, rt.pool, rt.logger)

	rt.prober = healthcheck.NewProber(healthcheck.Config{}, rt.logger)
	rt.prober.Register("store", rt.store.Ping)
	rt.control.AttachProber(rt.prober)

	rt.stream = streaming.NewHandler(rt.bus, streaming.Options{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		StreamTimeout:     cfg.Stream.StreamTimeout,
	}, rt.logger)
	rt.handler = api.NewHandler(rt.dispatcher, rt.control, rt.logger).Routes(rt.stream)
}

// ApplyConfig applies the hot-reloadable subset of a changed
// configuration: the retry table, attempt deadlines, and stream endpoint
// defaults. Backends, queue concurrency, and providers are fixed at
// startup; changing those needs a restart.
func (rt *Runtime) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	rt.policy.Reload(cfg.RetryEntries())
	rt.worker.SetConfig(worker.Config{
		SoftTimeout: cfg.Worker.SoftTimeout,
		HardTimeout: cfg.Worker.HardTimeout,
	})
	rt.stream.SetOptions(streaming.Options{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		StreamTimeout:     cfg.Stream.StreamTimeout,
	})
	rt.logger.Info("configuration applied",
		"retry_overrides", len(cfg.Retry.Policies),
		"soft_timeout", cfg.Worker.SoftTimeout,
		"hard_timeout", cfg.Worker.HardTimeout,
		"stream_timeout", cfg.Stream.StreamTimeout)
	return nil
}

// Start launches the worker pool. It returns immediately; the pool runs
// until Shutdown.
func (rt *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	go rt.prober.Run(runCtx)
	go func() {
		defer close(rt.done)
		if err := rt.pool.Run(runCtx); err != nil {
			rt.logger.Error("worker pool exited", "error", err)
		}
	}()
}

// Shutdown drains the worker pool and releases every backend. Workers
// get the pool's drain budget to persist in-flight partial output.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.cancel != nil {
		rt.cancel()
		select {
		case <-rt.done:
		case <-time.After(rt.pool.DrainBudget()):
			rt.logger.Warn("worker pool drain budget exceeded")
		case <-ctx.Done():
		}
	}
	return rt.closeBackends()
}

func (rt *Runtime) closeBackends() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.broker != nil {
		record(rt.broker.Close())
	}
	if rt.bus != nil {
		record(rt.bus.Close())
	}
	if rt.store != nil {
		record(rt.store.Close())
	}
	if rt.ownRedis && rt.redis != nil {
		record(rt.redis.Close())
	}
	record(rt.secrets.Close())
	return firstErr
}

// Handler returns the full HTTP API, metrics middleware included.
func (rt *Runtime) Handler() http.Handler { return rt.handler }

// Dispatch validates and enqueues a submission, returning its task id.
func (rt *Runtime) Dispatch(ctx context.Context, sub Submission) (string, error) {
	return rt.dispatcher.Dispatch(ctx, sub)
}

// Status reports the current state of a task.
func (rt *Runtime) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	return rt.control.Status(ctx, taskID)
}

// Cancel requests cancellation of a running task.
func (rt *Runtime) Cancel(ctx context.Context, taskID string) error {
	return rt.control.Cancel(ctx, taskID)
}

// Partial returns the persisted partial response for a task, if any.
func (rt *Runtime) Partial(ctx context.Context, taskID string) (*partial.Record, error) {
	return rt.control.Partial(ctx, taskID)
}

// Subscribe attaches to a session's event stream.
func (rt *Runtime) Subscribe(ctx context.Context, sessionID string) (bus.Subscription, error) {
	return rt.bus.Subscribe(ctx, types.StreamChannel(sessionID))
}

// HealthReport grades the worker pool.
func (rt *Runtime) HealthReport(ctx context.Context) Health {
	return rt.control.Health(ctx)
}
