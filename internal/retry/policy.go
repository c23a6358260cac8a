// Package retry decides whether and when a failed task attempt runs again.
// Classification happens upstream (pkg/errors); this package only maps a
// classified error and an attempt counter to a decision and a delay.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	taskerrors "github.com/taskmux/taskmux/pkg/errors"
)

// Entry configures retry behavior for one error kind.
type Entry struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// jitterFraction is the uniform jitter band applied to computed delays.
const jitterFraction = 0.10

// minDelay floors every computed delay.
const minDelay = time.Second

// Policy holds per-kind retry configuration. The zero value is not usable;
// construct with NewPolicy or DefaultPolicy. The table can be swapped at
// runtime with Reload.
type Policy struct {
	emu          sync.RWMutex
	entries      map[taskerrors.Kind]Entry
	defaultEntry Entry

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultEntries returns the built-in retry table.
func DefaultEntries() map[taskerrors.Kind]Entry {
	return map[taskerrors.Kind]Entry{
		taskerrors.KindRateLimit: {
			MaxRetries:    5,
			BaseDelay:     60 * time.Second,
			MaxDelay:      600 * time.Second,
			BackoffFactor: 1.5,
			Jitter:        true,
		},
		taskerrors.KindNetwork: {
			MaxRetries:    4,
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		taskerrors.KindServiceUnavailable: {
			MaxRetries:    3,
			BaseDelay:     30 * time.Second,
			MaxDelay:      300 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
	}
}

// defaultTemporaryEntry covers temporary kinds without an explicit entry,
// Unknown included.
func defaultTemporaryEntry() Entry {
	return Entry{
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      300 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// NewPolicy builds a policy from explicit entries. Kinds absent from the
// map use the default temporary entry.
func NewPolicy(entries map[taskerrors.Kind]Entry) *Policy {
	merged := make(map[taskerrors.Kind]Entry, len(entries))
	for k, e := range entries {
		merged[k] = e
	}
	return &Policy{
		entries:      merged,
		defaultEntry: defaultTemporaryEntry(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DefaultPolicy returns a policy with the built-in table.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultEntries())
}

// Reload replaces the per-kind table. Decisions made after the call use
// the new entries; retries already sleeping keep their computed delay.
func (p *Policy) Reload(entries map[taskerrors.Kind]Entry) {
	merged := make(map[taskerrors.Kind]Entry, len(entries))
	for k, e := range entries {
		merged[k] = e
	}
	p.emu.Lock()
	p.entries = merged
	p.emu.Unlock()
}

// Entry returns the configuration used for the given kind.
func (p *Policy) Entry(kind taskerrors.Kind) Entry {
	p.emu.RLock()
	defer p.emu.RUnlock()
	if e, ok := p.entries[kind]; ok {
		return e
	}
	return p.defaultEntry
}

// MaxRetries returns the retry budget for the given kind. Permanent kinds
// always report zero.
func (p *Policy) MaxRetries(kind taskerrors.Kind) int {
	if kind.Permanent() {
		return 0
	}
	return p.Entry(kind).MaxRetries
}

// Decision reasons surfaced on retry/error events.
const (
	ReasonRetrying   = "retrying"
	ReasonMaxRetries = "max_retries_exceeded"
	reasonPermanent  = "permanent:"
)

// PermanentReason builds the surrender reason for a permanent error kind.
func PermanentReason(kind taskerrors.Kind) string {
	return reasonPermanent + string(kind)
}

// ShouldRetry decides whether a classified error at the given 0-based
// attempt warrants another attempt.
func (p *Policy) ShouldRetry(err *taskerrors.ClassifiedError, attempt int) (bool, string) {
	if err.Permanent {
		return false, PermanentReason(err.Kind)
	}
	if attempt >= p.Entry(err.Kind).MaxRetries {
		return false, ReasonMaxRetries
	}
	return true, ReasonRetrying
}

// Delay computes the backoff before the next attempt:
// min(max, base * factor^attempt), with the provider's retry-after hint
// replacing base when present, uniform ±10% jitter when enabled, and a 1s
// floor. Jitter randomness is per-decision so simultaneous retries spread
// out across a fleet.
func (p *Policy) Delay(err *taskerrors.ClassifiedError, attempt int) time.Duration {
	entry := p.Entry(err.Kind)

	base := entry.BaseDelay
	if err.RetryAfter > 0 {
		base = time.Duration(err.RetryAfter) * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(entry.BackoffFactor, float64(attempt)))
	if delay > entry.MaxDelay {
		delay = entry.MaxDelay
	}
	if delay < 0 {
		// factor^attempt overflowed
		delay = entry.MaxDelay
	}

	if entry.Jitter {
		p.mu.Lock()
		factor := 1 + jitterFraction*(2*p.rng.Float64()-1)
		p.mu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}

	if delay < minDelay {
		delay = minDelay
	}
	return delay
}
