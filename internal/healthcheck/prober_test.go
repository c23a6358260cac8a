package healthcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProber_TracksTargetHealth(t *testing.T) {
	p := NewProber(Config{Interval: 20 * time.Millisecond, Timeout: time.Second}, nil)

	var failing atomic.Bool
	p.Register("store", func(context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		st, ok := p.Status()["store"]
		return ok && st.Healthy && !st.LastChecked.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.Healthy())

	failing.Store(true)
	require.Eventually(t, func() bool {
		st := p.Status()["store"]
		return !st.Healthy && st.ConsecutiveFails >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, p.Healthy())
	assert.Contains(t, p.Status()["store"].Error, "connection refused")

	failing.Store(false)
	require.Eventually(t, func() bool {
		st := p.Status()["store"]
		return st.Healthy && st.ConsecutiveFails == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProber_UnprobedTargetIsOptimistic(t *testing.T) {
	p := NewProber(Config{}, nil)
	p.Register("bus", func(context.Context) error { return nil })

	st, ok := p.Status()["bus"]
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.True(t, p.Healthy())
}

func TestProber_ProbeTimeoutFails(t *testing.T) {
	p := NewProber(Config{Interval: time.Hour, Timeout: 20 * time.Millisecond}, nil)
	p.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	p.probeAll(context.Background())
	st := p.Status()["slow"]
	assert.False(t, st.Healthy)
}
