package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/pkg/types"
)

func testBrokers(t *testing.T) map[string]Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Broker{
		"memory": NewMemoryBroker(),
		"redis":  NewRedisBroker(client, nil),
	}
}

func item(id, queue string) Item {
	return Item{
		TaskID: id,
		Submission: types.Submission{
			SessionID: "s-" + id,
			ModelName: "gemini/gemini-pro",
			Messages:  []types.Message{{Role: types.RoleUser, Content: "hi"}},
			Queue:     queue,
		},
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestBroker_FIFOWithinQueue(t *testing.T) {
	for name, b := range testBrokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, item("a", types.QueueLLM)))
			require.NoError(t, b.Enqueue(ctx, item("b", types.QueueLLM)))
			require.NoError(t, b.Enqueue(ctx, item("c", types.QueueLLM)))

			for _, want := range []string{"a", "b", "c"} {
				got, err := b.Dequeue(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, got.TaskID)
			}
		})
	}
}

func TestBroker_PriorityAcrossQueues(t *testing.T) {
	for name, b := range testBrokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, item("slow", types.QueueLLM)))
			require.NoError(t, b.Enqueue(ctx, item("mid", types.QueueFeedback)))
			require.NoError(t, b.Enqueue(ctx, item("fast", types.QueueQuick)))

			var order []string
			for i := 0; i < 3; i++ {
				got, err := b.Dequeue(ctx)
				require.NoError(t, err)
				order = append(order, got.TaskID)
			}
			assert.Equal(t, []string{"fast", "mid", "slow"}, order)
		})
	}
}

func TestBroker_DequeueBlocksUntilEnqueue(t *testing.T) {
	for name, b := range testBrokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			got := make(chan Item, 1)
			go func() {
				it, err := b.Dequeue(ctx)
				if err == nil {
					got <- it
				}
			}()

			time.Sleep(50 * time.Millisecond)
			require.NoError(t, b.Enqueue(ctx, item("late", types.QueueDefault)))

			select {
			case it := <-got:
				assert.Equal(t, "late", it.TaskID)
			case <-time.After(3 * time.Second):
				t.Fatal("dequeue never woke up")
			}
		})
	}
}

func TestBroker_DequeueHonorsContext(t *testing.T) {
	for name, b := range testBrokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := b.Dequeue(ctx)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestBroker_Depth(t *testing.T) {
	for name, b := range testBrokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, err := b.Depth(ctx, types.QueueLLM)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			require.NoError(t, b.Enqueue(ctx, item("a", types.QueueLLM)))
			require.NoError(t, b.Enqueue(ctx, item("b", types.QueueLLM)))

			n, err = b.Depth(ctx, types.QueueLLM)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestBroker_ItemSurvivesRoundTrip(t *testing.T) {
	for name, b := range testBrokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := item("rt", types.QueueAnalytics)
			in.Submission.Metadata = map[string]any{"speaker": "Ada"}
			require.NoError(t, b.Enqueue(ctx, in))

			out, err := b.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, in.TaskID, out.TaskID)
			assert.Equal(t, in.Submission.SessionID, out.Submission.SessionID)
			assert.Equal(t, in.Submission.Queue, out.Submission.Queue)
			assert.Equal(t, "Ada", out.Submission.Metadata["speaker"])
		})
	}
}

func TestMemoryBroker_CloseUnblocksConsumers(t *testing.T) {
	b := NewMemoryBroker()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Dequeue(context.Background())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer stayed blocked after Close")
		}
	}

	assert.ErrorIs(t, b.Enqueue(context.Background(), item("x", types.QueueDefault)), ErrClosed)
}
