package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// DispatchLimiter throttles task admission with a token bucket. A zero
// or negative rate disables limiting.
type DispatchLimiter struct {
	limiter *rate.Limiter
}

// NewDispatchLimiter allows ratePerSec submissions per second with the
// given burst.
func NewDispatchLimiter(ratePerSec float64, burst int) *DispatchLimiter {
	if ratePerSec <= 0 {
		return &DispatchLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &DispatchLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether one submission may proceed now.
func (l *DispatchLimiter) Allow() bool {
	if l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *DispatchLimiter) Wait(ctx context.Context) error {
	if l.limiter == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}
