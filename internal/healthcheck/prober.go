// Package healthcheck provides proactive backend probing. Targets such
// as the TTL store are pinged on an interval so the health endpoint can
// report a dead backend before a worker trips over it.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ProbeFunc checks one target. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls probing behavior.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// TargetStatus is the last observed state of one target.
type TargetStatus struct {
	Healthy          bool      `json:"healthy"`
	LastChecked      time.Time `json:"last_checked"`
	Error            string    `json:"error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails,omitempty"`
}

// Prober periodically checks registered targets and caches the results.
type Prober struct {
	cfg     Config
	logger  *slog.Logger
	started atomic.Bool

	mu      sync.Mutex
	targets map[string]ProbeFunc
	status  map[string]TargetStatus
}

// NewProber creates a prober with no targets.
func NewProber(cfg Config, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:     cfg,
		logger:  logger,
		targets: make(map[string]ProbeFunc),
		status:  make(map[string]TargetStatus),
	}
}

// Register adds a target. Targets registered after Run starts are picked
// up on the next tick.
func (p *Prober) Register(name string, probe ProbeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[name] = probe
	// Optimistic until first probe so startup does not report degraded.
	p.status[name] = TargetStatus{Healthy: true}
}

// Run probes all targets immediately and then on every interval until
// ctx is cancelled. Calling Run twice is a no-op.
func (p *Prober) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.probeAll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	p.mu.Lock()
	targets := make(map[string]ProbeFunc, len(p.targets))
	for name, probe := range p.targets {
		targets[name] = probe
	}
	p.mu.Unlock()

	for name, probe := range targets {
		probeCtx, done := context.WithTimeout(ctx, p.cfg.Timeout)
		err := probe(probeCtx)
		done()

		p.mu.Lock()
		st := p.status[name]
		st.LastChecked = time.Now()
		if err != nil {
			st.Healthy = false
			st.Error = err.Error()
			st.ConsecutiveFails++
		} else {
			st.Healthy = true
			st.Error = ""
			st.ConsecutiveFails = 0
		}
		p.status[name] = st
		p.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			p.logger.Warn("backend probe failed", "target", name, "error", err)
		}
	}
}

// Status returns a copy of the last probe results.
func (p *Prober) Status() map[string]TargetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TargetStatus, len(p.status))
	for name, st := range p.status {
		out[name] = st
	}
	return out
}

// Healthy reports whether every target passed its last probe.
func (p *Prober) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.status {
		if !st.Healthy {
			return false
		}
	}
	return true
}
