package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/kv"
	"github.com/taskmux/taskmux/internal/queue"
	"github.com/taskmux/taskmux/internal/resilience"
	"github.com/taskmux/taskmux/internal/task"
	"github.com/taskmux/taskmux/pkg/types"
)

func validSubmission() types.Submission {
	return types.Submission{
		SessionID: "sess-1",
		ModelName: "gemini/gemini-1.5-flash",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "Hello"}},
	}
}

func newDispatcher(t *testing.T, limiter *resilience.DispatchLimiter) (*Dispatcher, *task.Registry, queue.Broker) {
	t.Helper()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	tasks := task.NewRegistry(kv.NewMemory(time.Hour), time.Hour, nil)
	return New(broker, tasks, limiter, nil, nil), tasks, broker
}

func TestRouteQueue(t *testing.T) {
	cases := []struct {
		name string
		sub  types.Submission
		want string
	}{
		{"explicit queue wins", types.Submission{Queue: types.QueueLLM}, types.QueueLLM},
		{"unknown explicit queue falls through", types.Submission{Queue: "bulk"}, types.QueueDefault},
		{"llm prefix", types.Submission{Metadata: map[string]any{"task": "llm.stream_chat"}}, types.QueueLLM},
		{"feedback prefix", types.Submission{Metadata: map[string]any{"task": "feedback.score"}}, types.QueueFeedback},
		{"analytics prefix", types.Submission{Metadata: map[string]any{"task": "analytics.rollup"}}, types.QueueAnalytics},
		{"quick prefix", types.Submission{Metadata: map[string]any{"task": "quick.ping"}}, types.QueueQuick},
		{"unmatched task name", types.Submission{Metadata: map[string]any{"task": "batch.export"}}, types.QueueDefault},
		{"no hints", types.Submission{}, types.QueueDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RouteQueue(tc.sub))
		})
	}
}

func TestDispatch_AssignsUUIDAndEnqueues(t *testing.T) {
	d, tasks, broker := newDispatcher(t, nil)
	ctx := context.Background()

	sub := validSubmission()
	sub.Queue = types.QueueLLM
	taskID, err := d.Dispatch(ctx, sub)
	require.NoError(t, err)
	_, err = uuid.Parse(taskID)
	require.NoError(t, err, "task id is a uuid")

	// Queryable immediately after Dispatch returns.
	m, ok, err := tasks.Lookup(ctx, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatePending, m.State)
	assert.Equal(t, types.QueueLLM, m.Queue)

	item, err := broker.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskID, item.TaskID)
	assert.Equal(t, "sess-1", item.Submission.SessionID)
}

func TestDispatch_RejectsInvalidSubmission(t *testing.T) {
	d, _, _ := newDispatcher(t, nil)

	sub := validSubmission()
	sub.SessionID = ""
	_, err := d.Dispatch(context.Background(), sub)
	assert.ErrorContains(t, err, "session_id")
}

func TestDispatch_RateLimit(t *testing.T) {
	d, _, _ := newDispatcher(t, resilience.NewDispatchLimiter(1, 1))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, validSubmission())
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, validSubmission())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDispatch_EnqueueFailureLeavesTerminalMeta(t *testing.T) {
	d, tasks, broker := newDispatcher(t, nil)
	require.NoError(t, broker.Close())

	_, err := d.Dispatch(context.Background(), validSubmission())
	require.Error(t, err)

	// No live record dangles.
	assert.Equal(t, 0, tasks.ActiveCount())
}

func TestDispatch_DistinctIDs(t *testing.T) {
	d, _, broker := newDispatcher(t, nil)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id, err := d.Dispatch(ctx, validSubmission())
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
	n, err := broker.Depth(ctx, types.QueueDefault)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}
