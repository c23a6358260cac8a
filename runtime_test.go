package taskmux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/retry"
	"github.com/taskmux/taskmux/internal/task"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
)

// fakeProvider streams a fixed script. A non-nil streamErr ends every
// stream with that error instead of a clean EOF.
type fakeProvider struct {
	name      string
	chunks    []string
	streamErr error
}

func (p *fakeProvider) Name() string                 { return p.name }
func (p *fakeProvider) SupportsModel(m string) bool  { return true }
func (p *fakeProvider) Stream(ctx context.Context, model string, _ []types.Message) (provider.ChunkStream, error) {
	return &fakeStream{chunks: p.chunks, err: p.streamErr}, nil
}

type fakeStream struct {
	chunks []string
	err    error
	pos    int
}

func (s *fakeStream) Recv() (*types.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := &types.Chunk{Content: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

func newTestRuntime(t *testing.T, chunks []string) *Runtime {
	t.Helper()
	rt, err := New(
		WithProviderInstance(&fakeProvider{name: "fake", chunks: chunks}),
	)
	require.NoError(t, err)

	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func collectEvents(t *testing.T, rt *Runtime, sessionID string) <-chan []types.Event {
	t.Helper()
	sub, err := rt.Subscribe(context.Background(), sessionID)
	require.NoError(t, err)

	out := make(chan []types.Event, 1)
	go func() {
		var events []types.Event
		for ev := range sub.Events() {
			events = append(events, ev)
		}
		out <- events
	}()
	return out
}

func TestRuntime_EndToEnd(t *testing.T) {
	rt := newTestRuntime(t, []string{"Hello", ", ", "world"})

	events := collectEvents(t, rt, "e2e-1")

	taskID, err := rt.Dispatch(context.Background(), Submission{
		SessionID: "e2e-1",
		ModelName: "fake/any-model",
		Messages:  []Message{{Role: RoleUser, Content: "greet"}},
	})
	require.NoError(t, err)

	var got []types.Event
	select {
	case got = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate")
	}

	require.NotEmpty(t, got)
	assert.Equal(t, types.EventStart, got[0].Type)
	last := got[len(got)-1]
	require.Equal(t, types.EventComplete, last.Type)
	assert.Equal(t, "Hello, world", last.TotalContent)
	assert.Equal(t, 3, last.TokenCount)

	var st TaskStatus
	require.Eventually(t, func() bool {
		st, err = rt.Status(context.Background(), taskID)
		return err == nil && st.Ready
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, st.Successful)
	assert.Equal(t, task.StateSucceeded, st.State)
	assert.False(t, st.HasPartial)
}

func TestRuntime_DispatchValidation(t *testing.T) {
	rt := newTestRuntime(t, nil)

	_, err := rt.Dispatch(context.Background(), Submission{ModelName: "fake/m"})
	require.Error(t, err)
}

func TestRuntime_CancelUnknownTask(t *testing.T) {
	rt := newTestRuntime(t, nil)

	err := rt.Cancel(context.Background(), "no-such-task")
	require.Error(t, err)
}

// A reloaded retry table governs decisions immediately. The built-in
// rate_limit entry would sleep a minute before the first retry; the
// swapped entry exhausts the budget at once, so the error terminal event
// must arrive well inside the test deadline.
func TestRuntime_ApplyConfigUpdatesRetryTable(t *testing.T) {
	rt, err := New(
		WithProviderInstance(&fakeProvider{name: "fake", streamErr: errors.New("rate limit exceeded")}),
	)
	require.NoError(t, err)
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})

	cfg := DefaultConfig()
	cfg.Retry.Policies = map[string]retry.Entry{
		"rate_limit": {MaxRetries: 0, BaseDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1},
	}
	require.NoError(t, rt.ApplyConfig(cfg))

	events := collectEvents(t, rt, "reload-1")
	_, err = rt.Dispatch(context.Background(), Submission{
		SessionID: "reload-1",
		ModelName: "fake/any-model",
		Messages:  []Message{{Role: RoleUser, Content: "greet"}},
	})
	require.NoError(t, err)

	var got []types.Event
	select {
	case got = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate; reloaded retry table not applied")
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, types.EventError, last.Type)
	assert.Equal(t, "rate_limit", last.ErrorKind)
	assert.Equal(t, "max_retries_exceeded", last.Reason)
}

func TestRuntime_ApplyConfigRejectsInvalid(t *testing.T) {
	rt := newTestRuntime(t, nil)

	cfg := DefaultConfig()
	cfg.Stream.StreamTimeout = cfg.Stream.HeartbeatInterval
	require.Error(t, rt.ApplyConfig(cfg))
}

func TestRuntime_HealthReport(t *testing.T) {
	rt := newTestRuntime(t, nil)

	require.Eventually(t, func() bool {
		h := rt.HealthReport(context.Background())
		return h.Workers.WorkersAlive == h.Workers.WorkersTotal && h.Workers.WorkersTotal > 0
	}, 5*time.Second, 20*time.Millisecond)
}
