package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/lock"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const pathSchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {"path": {"type": "string", "minLength": 1}}
}`

type harness struct {
	q      *queue.Queue
	r      *Runner
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, qcfg queue.Config) *harness {
	t.Helper()
	q := queue.New(qcfg, lock.NewManager(), nil, nil)
	policy := retry.Policy{InitialDelay: 5 * time.Millisecond, Factor: 1}
	r := New(q, policy, Config{PollInterval: 10 * time.Millisecond, TaskTimeout: 2 * time.Second}, nil)
	return &harness{q: q, r: r}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.r.Run(ctx)
	}()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) waitState(t *testing.T, id string, state models.TaskState) models.Task {
	t.Helper()
	var got models.Task
	require.Eventually(t, func() bool {
		got, _ = h.q.GetTask(id)
		return got.State == state
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, state)
	return got
}

func TestRunCompletesTask(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	require.NoError(t, h.r.Register(models.TaskTypeVerify, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}), pathSchema))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeVerify, json.RawMessage(`{"path":"a.md"}`))
	require.NoError(t, err)

	got := h.waitState(t, id, models.TaskStateCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, 1, got.Attempt)
	assert.Empty(t, h.q.Locks())
}

func TestTransientFailureRetries(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 3})
	var calls int32
	require.NoError(t, h.r.Register(models.TaskTypeAmend, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, retry.Transient(errors.New("rate limited"))
		}
		return nil, nil
	}), ""))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.NoError(t, err)

	got := h.waitState(t, id, models.TaskStateCompleted)
	assert.Equal(t, 2, got.Attempt)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "transient", got.Errors[0].Class)
}

func TestTransientFailureStopsAtMaxAttempts(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 2})
	var calls int32
	require.NoError(t, h.r.Register(models.TaskTypeAmend, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("503 service unavailable")
	}), ""))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := h.q.GetTask(id)
		return got.State == models.TaskStateFailed && got.Attempt == 2
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	var calls int32
	require.NoError(t, h.r.Register(models.TaskTypeCreate, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("malformed frontmatter")
	}), ""))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeCreate, nil)
	require.NoError(t, err)
	got := h.waitState(t, id, models.TaskStateFailed)
	time.Sleep(50 * time.Millisecond)

	got, _ = h.q.GetTask(id)
	assert.Equal(t, models.TaskStateFailed, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidPayloadAndUnknownType(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	var called int32
	require.NoError(t, h.r.Register(models.TaskTypeVerify, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	}), pathSchema))
	h.start(t)

	bad, err := h.q.Enqueue("n1", models.TaskTypeVerify, json.RawMessage(`{"path":""}`))
	require.NoError(t, err)
	unknown, err := h.q.Enqueue("n2", models.TaskTypeMerge, nil)
	require.NoError(t, err)

	got := h.waitState(t, bad, models.TaskStateFailed)
	assert.Contains(t, got.LastError(), "invalid payload")
	got = h.waitState(t, unknown, models.TaskStateFailed)
	assert.Contains(t, got.LastError(), "no handler")
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestHandlerPanicIsPermanent(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	require.NoError(t, h.r.Register(models.TaskTypeAmend, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		panic("nil map")
	}), ""))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.NoError(t, err)
	got := h.waitState(t, id, models.TaskStateFailed)
	assert.Contains(t, got.LastError(), "handler panic")
	assert.Equal(t, 1, got.Attempt)
}

func TestCancelRunningTask(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	started := make(chan struct{})
	returned := make(chan struct{})
	require.NoError(t, h.r.Register(models.TaskTypeAmend, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		defer close(returned)
		return nil, ctx.Err()
	}), ""))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, h.q.Cancel(id))
	<-returned
	time.Sleep(20 * time.Millisecond)

	got, _ := h.q.GetTask(id)
	assert.Equal(t, models.TaskStateCancelled, got.State)
	assert.Empty(t, got.Errors, "late failure of a cancelled task is dropped")

	// The node is free again.
	_, err = h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	assert.NoError(t, err)
}

func TestSameNodeSerialized(t *testing.T) {
	h := newHarness(t, queue.Config{MaxConcurrent: 4})
	var mu sync.Mutex
	active := map[string]int{}
	maxActive := 0
	require.NoError(t, h.r.Register(models.TaskTypeAmend, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		mu.Lock()
		active[task.NodeID]++
		if active[task.NodeID] > maxActive {
			maxActive = active[task.NodeID]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active[task.NodeID]--
		mu.Unlock()
		return nil, nil
	}), ""))

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := h.q.Enqueue("shared", models.TaskTypeAmend, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h.start(t)

	for _, id := range ids {
		h.waitState(t, id, models.TaskStateCompleted)
	}
	mu.Lock()
	assert.Equal(t, 1, maxActive)
	mu.Unlock()
}

func TestShutdownLeavesTaskRunning(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	started := make(chan struct{})
	require.NoError(t, h.r.Register(models.TaskTypeAmend, HandlerFunc(func(ctx context.Context, task models.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), ""))
	h.start(t)

	id, err := h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.NoError(t, err)
	<-started
	h.stop()

	got, _ := h.q.GetTask(id)
	assert.Equal(t, models.TaskStateRunning, got.State, "restart recovery owns interrupted tasks")
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	err := h.r.Register(models.TaskTypeAmend, HandlerFunc(func(context.Context, models.Task) (json.RawMessage, error) {
		return nil, nil
	}), `{"type": 12}`)
	assert.Error(t, err)
}

func TestStaleLocks(t *testing.T) {
	h := newHarness(t, queue.DefaultConfig())
	h.r.cfg.LockWarnAfter = time.Millisecond
	id, err := h.q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.NoError(t, err)
	require.NoError(t, h.q.UpdateState(id, models.TaskStateRunning, nil, nil))
	time.Sleep(5 * time.Millisecond)

	stale := h.r.StaleLocks()
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].TaskID)
}
