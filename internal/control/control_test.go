package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/healthcheck"
	"github.com/taskmux/taskmux/internal/kv"
	"github.com/taskmux/taskmux/internal/partial"
	"github.com/taskmux/taskmux/internal/task"
	"github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/types"
)

type fixture struct {
	svc      *Service
	tasks    *task.Registry
	partials *partial.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := kv.NewMemory(time.Hour)
	tasks := task.NewRegistry(backend, time.Hour, nil)
	partials := partial.NewStore(backend, time.Hour, nil)
	return &fixture{
		svc:      New(tasks, partials, nil, nil),
		tasks:    tasks,
		partials: partials,
	}
}

func (f *fixture) register(t *testing.T, id string) *task.Record {
	t.Helper()
	rec := task.NewRecord(id, types.Submission{
		SessionID: "s-" + id,
		ModelName: "gemini/gemini-pro",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Queue:     types.QueueLLM,
	})
	require.NoError(t, f.tasks.Register(context.Background(), rec))
	return rec
}

func TestStatus_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "t1")

	st, err := f.svc.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, st.State)
	assert.False(t, st.Ready)
	assert.False(t, st.HasPartial)

	require.NoError(t, rec.Start())
	require.NoError(t, rec.MarkRetrying(errors.KindRateLimit, "429", time.Now().Add(time.Minute)))

	st, err = f.svc.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateRetrying, st.State)
	require.NotNil(t, st.RetryStatus)
	assert.Equal(t, 1, st.RetryStatus.NextAttempt)
	assert.Equal(t, string(errors.KindRateLimit), st.RetryStatus.ErrorKind)

	require.NoError(t, rec.Start())
	require.NoError(t, rec.MarkSucceeded())

	st, err = f.svc.Status(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.True(t, st.Successful)
	assert.False(t, st.Failed)
	assert.Nil(t, st.RetryStatus)
}

func TestStatus_ReportsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "t2")

	f.partials.Append("t2", types.Chunk{Content: "par", Index: 0})
	f.partials.Persist(ctx, "t2", map[string]any{"error_kind": "network"})

	st, err := f.svc.Status(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, st.HasPartial)
}

func TestStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "t3")
	require.NoError(t, rec.Start())

	f.partials.Append("t3", types.Chunk{Content: "x", Index: 0})
	f.partials.Persist(ctx, "t3", nil)

	require.NoError(t, f.svc.Cancel(ctx, "t3"))
	assert.True(t, rec.CancelRequested())

	p, err := f.partials.Read(ctx, "t3")
	require.NoError(t, err)
	assert.Nil(t, p, "cancel deletes the partial record")
}

func TestCancel_TerminalRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "t4")
	require.NoError(t, rec.Start())
	require.NoError(t, rec.MarkSucceeded())

	assert.ErrorIs(t, f.svc.Cancel(ctx, "t4"), ErrTerminal)

	// Same refusal once only the persisted meta remains.
	f.tasks.Release(ctx, rec)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "t4"), ErrTerminal)
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), "ghost"), ErrNotFound)
}

func TestPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Partial(ctx, "t5")
	assert.ErrorIs(t, err, ErrNotFound)

	f.partials.Append("t5", types.Chunk{Content: "par", Index: 0})
	f.partials.Append("t5", types.Chunk{Content: "tial", Index: 1})
	f.partials.Persist(ctx, "t5", map[string]any{"attempt": 2})

	p, err := f.svc.Partial(ctx, "t5")
	require.NoError(t, err)
	assert.Equal(t, "partial", p.Content())
	assert.Equal(t, 2, p.TotalChunks)
}

func TestListActiveAndHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a")
	f.register(t, "b")

	active := f.svc.ListActive(ctx)
	assert.Len(t, active, 2)

	// Without a pool this node cannot vouch for workers.
	h := f.svc.Health(ctx)
	assert.Equal(t, HealthUnhealthy, h.Status)
	assert.Equal(t, 2, h.ActiveTasks)
}

func TestHealth_IncludesBackendProbes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prober := healthcheck.NewProber(healthcheck.Config{}, nil)
	prober.Register("store", func(context.Context) error { return nil })
	f.svc.AttachProber(prober)

	h := f.svc.Health(ctx)
	require.Contains(t, h.Backends, "store")
	assert.True(t, h.Backends["store"].Healthy)
}
