package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/bus"
	"github.com/taskmux/taskmux/internal/kv"
	"github.com/taskmux/taskmux/internal/partial"
	"github.com/taskmux/taskmux/internal/retry"
	"github.com/taskmux/taskmux/internal/task"
	taskerrors "github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
)

// attemptScript describes one provider attempt: the chunks it yields and
// the error that ends it (nil means a clean finish).
type attemptScript struct {
	chunks   []string
	err      error
	blockFor time.Duration // pause before each Recv, to give tests a cancel window
}

type scriptedProvider struct {
	mu      sync.Mutex
	scripts []attemptScript
	calls   int
}

func (p *scriptedProvider) Name() string                  { return "gemini" }
func (p *scriptedProvider) SupportsModel(model string) bool { return true }

func (p *scriptedProvider) Stream(ctx context.Context, model string, messages []types.Message) (provider.ChunkStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.scripts) {
		return nil, fmt.Errorf("unexpected attempt %d", p.calls)
	}
	script := p.scripts[p.calls]
	p.calls++
	return &scriptedStream{ctx: ctx, script: script}, nil
}

func (p *scriptedProvider) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type scriptedStream struct {
	ctx    context.Context
	script attemptScript
	pos    int
}

func (s *scriptedStream) Recv() (*types.Chunk, error) {
	if s.script.blockFor > 0 {
		select {
		case <-time.After(s.script.blockFor):
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.script.chunks) {
		c := &types.Chunk{Content: s.script.chunks[s.pos], Timestamp: time.Now().UnixNano()}
		s.pos++
		return c, nil
	}
	if s.script.err != nil {
		return nil, s.script.err
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type harness struct {
	worker   *Worker
	bus      *bus.MemoryBus
	partials *partial.Store
	tasks    *task.Registry
	provider *scriptedProvider
}

// testPolicy keeps retry delays at the one-second floor so tests finish
// quickly while still exercising the wait path.
func testPolicy() *retry.Policy {
	return retry.NewPolicy(map[taskerrors.Kind]retry.Entry{
		taskerrors.KindRateLimit: {MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1},
		taskerrors.KindNetwork:   {MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1},
	})
}

func newHarness(t *testing.T, scripts []attemptScript) *harness {
	t.Helper()

	backend := kv.NewMemory(time.Hour)
	partials := partial.NewStore(backend, time.Hour, nil)
	tasks := task.NewRegistry(backend, time.Hour, nil)
	b := bus.NewMemoryBus(nil)

	p := &scriptedProvider{scripts: scripts}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(p))

	w := New(registry, b, partials, tasks, testPolicy(),
		Config{SoftTimeout: 5 * time.Second, HardTimeout: 10 * time.Second}, nil, nil)

	return &harness{worker: w, bus: b, partials: partials, tasks: tasks, provider: p}
}

func (h *harness) dispatch(t *testing.T, taskID string) *task.Record {
	t.Helper()
	rec := task.NewRecord(taskID, types.Submission{
		SessionID: "sess-" + taskID,
		ModelName: "gemini/gemini-1.5-flash",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "Hello"}},
		Queue:     types.QueueLLM,
	})
	require.NoError(t, h.tasks.Register(context.Background(), rec))
	return rec
}

// drain reads the subscription until the stream closes.
func drain(t *testing.T, sub bus.Subscription) []types.Event {
	t.Helper()
	var events []types.Event
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream never closed; got %d events", len(events))
		}
	}
}

func eventTypes(events []types.Event) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, []attemptScript{{chunks: []string{"Hi", " there", "!"}}})
	rec := h.dispatch(t, "t-happy")

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	h.worker.Run(context.Background(), rec)

	events := drain(t, sub)
	require.Equal(t, []types.EventType{
		types.EventStart, types.EventChunk, types.EventChunk, types.EventChunk, types.EventComplete,
	}, eventTypes(events))

	assert.Equal(t, "Hi", events[1].Content)
	assert.Equal(t, " there", events[2].Content)
	assert.Equal(t, "!", events[3].Content)

	complete := events[4]
	assert.Equal(t, "Hi there!", complete.TotalContent)
	assert.Equal(t, 3, complete.TokenCount)

	assert.Equal(t, task.StateSucceeded, rec.State())

	// The store holds nothing after success.
	stored, err := h.partials.Read(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Registry keeps the terminal meta queryable.
	m, ok, err := h.tasks.Lookup(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StateSucceeded, m.State)
}

func TestRun_RetryOnRateLimitThenSuccess(t *testing.T) {
	h := newHarness(t, []attemptScript{
		{err: fmt.Errorf("rate limit exceeded, Retry-After: 1")},
		{chunks: []string{"ok"}},
	})
	rec := h.dispatch(t, "t-retry")

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	h.worker.Run(context.Background(), rec)

	events := drain(t, sub)
	require.Equal(t, []types.EventType{
		types.EventStart, types.EventRetry, types.EventChunk, types.EventComplete,
	}, eventTypes(events))

	re := events[1]
	require.NotNil(t, re.Attempt)
	assert.Equal(t, 1, *re.Attempt)
	assert.Equal(t, 5, re.MaxAttempts)
	assert.Equal(t, string(taskerrors.KindRateLimit), re.ErrorKind)
	assert.Equal(t, retry.ReasonRetrying, re.Reason)
	assert.GreaterOrEqual(t, re.RetryDelayS, 0.9)
	assert.LessOrEqual(t, re.RetryDelayS, 1.3)

	assert.Equal(t, "ok", events[3].TotalContent)
	assert.Equal(t, task.StateSucceeded, rec.State())
	assert.Equal(t, 1, rec.Attempt())
	assert.Equal(t, 2, h.provider.attempts())
}

func TestRun_PermanentAuthErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, []attemptScript{
		{err: &taskerrors.StatusError{StatusCode: 401, Message: "invalid api key"}},
	})
	rec := h.dispatch(t, "t-auth")

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	h.worker.Run(context.Background(), rec)

	events := drain(t, sub)
	require.Equal(t, []types.EventType{types.EventStart, types.EventError}, eventTypes(events))

	ee := events[1]
	assert.Equal(t, string(taskerrors.KindAuthentication), ee.ErrorKind)
	require.NotNil(t, ee.Attempt)
	assert.Equal(t, 0, *ee.Attempt)
	assert.Equal(t, retry.PermanentReason(taskerrors.KindAuthentication), ee.Reason)

	assert.Equal(t, task.StateFailed, rec.State())
	assert.Equal(t, 1, h.provider.attempts())

	stored, err := h.partials.Read(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRun_PartialThenExhaustedRetries(t *testing.T) {
	netErr := fmt.Errorf("connection reset by peer")
	h := newHarness(t, []attemptScript{
		{chunks: []string{"par", "tial"}, err: netErr},
		{chunks: []string{"par", "tial"}, err: netErr},
		{chunks: []string{"par", "tial"}, err: netErr},
	})
	rec := h.dispatch(t, "t-partial")

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	h.worker.Run(context.Background(), rec)

	events := drain(t, sub)
	require.Equal(t, []types.EventType{
		types.EventStart,
		types.EventChunk, types.EventChunk, types.EventRetry,
		types.EventChunk, types.EventChunk, types.EventRetry,
		types.EventChunk, types.EventChunk,
		types.EventPartialComplete, types.EventError,
	}, eventTypes(events))

	pc := events[9]
	assert.Equal(t, "partial", pc.Content)
	assert.True(t, pc.Partial)
	assert.Equal(t, string(taskerrors.KindNetwork), pc.ErrorKind)

	ee := events[10]
	assert.Equal(t, retry.ReasonMaxRetries, ee.Reason)
	assert.Equal(t, string(taskerrors.KindNetwork), ee.ErrorKind)

	assert.Equal(t, task.StatePartiallyFailed, rec.State())
	assert.Equal(t, 2, rec.Attempt())

	// The persisted record carries the last failed attempt's chunks.
	stored, err := h.partials.Read(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "partial", stored.Content())
	require.Len(t, stored.Chunks, 2)
	assert.Equal(t, 0, stored.Chunks[0].Index)
	assert.Equal(t, 1, stored.Chunks[1].Index)
}

func TestRun_CancelMidStream(t *testing.T) {
	h := newHarness(t, []attemptScript{
		{chunks: []string{"hel", "lo darkness"}, blockFor: 300 * time.Millisecond},
	})
	rec := h.dispatch(t, "t-cancel")

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	// Cancel after the first chunk lands.
	go func() {
		for ev := range sub.Events() {
			if ev.Type == types.EventChunk {
				rec.RequestCancel()
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(context.Background(), rec)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the worker within the bound")
	}

	assert.Equal(t, task.StateCancelled, rec.State())

	stored, err := h.partials.Read(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored, "cancel deletes the partial record")
}

func TestRun_ChunksResetAcrossAttempts(t *testing.T) {
	h := newHarness(t, []attemptScript{
		{chunks: []string{"first", " try"}, err: fmt.Errorf("connection refused")},
		{chunks: []string{"second"}},
	})
	rec := h.dispatch(t, "t-reset")

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	h.worker.Run(context.Background(), rec)

	events := drain(t, sub)
	last := events[len(events)-1]
	require.Equal(t, types.EventComplete, last.Type)
	assert.Equal(t, "second", last.TotalContent, "chunks from the failed attempt are discarded")
	assert.Equal(t, 1, last.TokenCount)
	assert.Equal(t, task.StateSucceeded, rec.State())
}

func TestRun_ShutdownPersistsPartial(t *testing.T) {
	h := newHarness(t, []attemptScript{
		{chunks: []string{"saved"}, blockFor: 200 * time.Millisecond, err: fmt.Errorf("never reached")},
	})
	rec := h.dispatch(t, "t-drain")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(400 * time.Millisecond) // first chunk is out, second pull is blocking
		cancel()
	}()

	h.worker.Run(ctx, rec)

	stored, err := h.partials.Read(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "saved", stored.Content())
}

func TestRun_SpeakerPropagatesFromMetadata(t *testing.T) {
	h := newHarness(t, []attemptScript{{chunks: []string{"hi"}}})
	rec := task.NewRecord("t-speaker", types.Submission{
		SessionID: "sess-speaker",
		ModelName: "gemini/gemini-1.5-flash",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "Hello"}},
		Metadata:  map[string]any{"speaker": "Ada"},
		Queue:     types.QueueLLM,
	})
	require.NoError(t, h.tasks.Register(context.Background(), rec))

	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	h.worker.Run(context.Background(), rec)

	events := drain(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, "Ada", events[1].Speaker)
	assert.Equal(t, "Ada", events[2].Speaker)
}

// Deadlines swapped in with SetConfig govern the next attempt. The
// harness default of a ten-second hard timeout would let each blocked
// attempt run far longer; the swapped 100ms deadline must end all three
// attempts quickly.
func TestRun_SetConfigTightensDeadlines(t *testing.T) {
	h := newHarness(t, []attemptScript{
		{blockFor: time.Minute},
		{blockFor: time.Minute},
		{blockFor: time.Minute},
	})
	h.worker.SetConfig(Config{SoftTimeout: 50 * time.Millisecond, HardTimeout: 100 * time.Millisecond})

	rec := h.dispatch(t, "t-deadline")
	sub, err := h.bus.Subscribe(context.Background(), rec.Submission.Channel())
	require.NoError(t, err)

	start := time.Now()
	h.worker.Run(context.Background(), rec)
	events := drain(t, sub)

	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventError, last.Type)
	assert.Equal(t, string(taskerrors.KindNetwork), last.ErrorKind)
	assert.Equal(t, task.StateFailed, rec.State())
	assert.Equal(t, 3, h.provider.attempts())
}
