package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/lock"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	return New(cfg, lock.NewManager(), nil, nil)
}

func enqueue(t *testing.T, q *Queue, node string) string {
	t.Helper()
	id, err := q.Enqueue(node, models.TaskTypeAmend, json.RawMessage(`{"path":"x.md"}`))
	require.NoError(t, err)
	return id
}

func TestConflictThenRetry(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())

	t1 := enqueue(t, q, "n1")
	require.NoError(t, q.UpdateState(t1, models.TaskStateRunning, nil, nil))

	_, err := q.Enqueue("n1", models.TaskTypeAmend, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrConflict)
	var conflict *lock.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, t1, conflict.HolderTaskID)

	require.NoError(t, q.Cancel(t1))
	got, _ := q.GetTask(t1)
	assert.Equal(t, models.TaskStateCancelled, got.State)

	_, err = q.Enqueue("n1", models.TaskTypeAmend, nil)
	assert.NoError(t, err)
}

func TestEnqueueBehindPendingIsAllowed(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	enqueue(t, q, "n1")
	// Only running tasks hold locks.
	enqueue(t, q, "n1")
	assert.Equal(t, 2, q.Status().PendingCount)
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	_, err := q.Enqueue("", models.TaskTypeCreate, nil)
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = q.Enqueue("n1", "", nil)
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = q.Enqueue("n1", models.TaskTypeCreate, json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestRunningRefusedWhenLocked(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	a := enqueue(t, q, "n1")
	b := enqueue(t, q, "n1")

	require.NoError(t, q.UpdateState(a, models.TaskStateRunning, nil, nil))
	err := q.UpdateState(b, models.TaskStateRunning, nil, nil)
	assert.ErrorIs(t, err, lock.ErrConflict)

	got, _ := q.GetTask(b)
	assert.Equal(t, models.TaskStatePending, got.State)
	assert.Equal(t, 0, got.Attempt)
}

func TestLockReleasedOnTerminalStates(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())

	for _, final := range []models.TaskState{models.TaskStateCompleted, models.TaskStateFailed, models.TaskStateCancelled} {
		id := enqueue(t, q, "n1")
		require.NoError(t, q.UpdateState(id, models.TaskStateRunning, nil, nil))
		require.NoError(t, q.UpdateState(id, final, json.RawMessage(`{"ok":true}`), errors.New("boom")))
		assert.Empty(t, q.Locks(), "lock must be released after %s", final)

		next := enqueue(t, q, "n1")
		require.NoError(t, q.Cancel(next))
	}
}

func TestCapacity(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2})
	a := enqueue(t, q, "a")
	b := enqueue(t, q, "b")
	c := enqueue(t, q, "c")

	require.NoError(t, q.UpdateState(a, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(b, models.TaskStateRunning, nil, nil))
	assert.ErrorIs(t, q.UpdateState(c, models.TaskStateRunning, nil, nil), ErrAtCapacity)

	claim, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, claim)

	require.NoError(t, q.UpdateState(a, models.TaskStateCompleted, nil, nil))
	claim, err = q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, c, claim.Task.ID)
}

func TestPauseResume(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	a := enqueue(t, q, "a")
	require.NoError(t, q.UpdateState(a, models.TaskStateRunning, nil, nil))

	q.Pause()
	assert.True(t, q.Status().Paused)
	b := enqueue(t, q, "b") // enqueue unaffected
	assert.ErrorIs(t, q.UpdateState(b, models.TaskStateRunning, nil, nil), ErrPaused)
	claim, _ := q.Dequeue()
	assert.Nil(t, claim)

	// Running tasks are unaffected by pause.
	require.NoError(t, q.UpdateState(a, models.TaskStateCompleted, nil, nil))

	q.Resume()
	claim, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, b, claim.Task.ID)
}

func TestDequeueFIFOPerNode(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 5})
	first := enqueue(t, q, "n1")
	second := enqueue(t, q, "n1")
	other := enqueue(t, q, "n2")

	c1, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, first, c1.Task.ID)
	assert.Equal(t, 1, c1.Task.Attempt)

	c2, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, other, c2.Task.ID, "n1's second task must wait for the first")

	c3, _ := q.Dequeue()
	assert.Nil(t, c3)

	require.NoError(t, q.UpdateState(first, models.TaskStateCompleted, nil, nil))
	c4, _ := q.Dequeue()
	require.NotNil(t, c4)
	assert.Equal(t, second, c4.Task.ID)
}

func TestLinkedNodesLockTogether(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 5})
	amend := enqueue(t, q, "gone")
	merge, err := q.Enqueue("keep", models.TaskTypeMerge, nil, WithLinkedNodes("gone", "keep", ""))
	require.NoError(t, err)
	got, _ := q.GetTask(merge)
	assert.Equal(t, []string{"gone"}, got.LinkedNodeIDs)
	later := enqueue(t, q, "gone")

	c1, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, amend, c1.Task.ID)

	// The merge waits on its linked node; the later task waits on the merge.
	c2, _ := q.Dequeue()
	assert.Nil(t, c2)

	_, err = q.Enqueue("keep", models.TaskTypeMerge, nil, WithLinkedNodes("gone"))
	var conflict *lock.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "gone", conflict.NodeID)
	assert.Equal(t, amend, conflict.HolderTaskID)

	require.NoError(t, q.UpdateState(amend, models.TaskStateCompleted, nil, nil))
	c3, _ := q.Dequeue()
	require.NotNil(t, c3)
	assert.Equal(t, merge, c3.Task.ID)
	holders := map[string]string{}
	for _, l := range q.Locks() {
		holders[l.NodeID] = l.TaskID
	}
	assert.Equal(t, map[string]string{"keep": merge, "gone": merge}, holders)

	_, err = q.Enqueue("gone", models.TaskTypeAmend, nil)
	assert.ErrorIs(t, err, lock.ErrConflict)
	c4, _ := q.Dequeue()
	assert.Nil(t, c4)

	require.NoError(t, q.Cancel(merge))
	assert.Empty(t, q.Locks())
	c5, _ := q.Dequeue()
	require.NotNil(t, c5)
	assert.Equal(t, later, c5.Task.ID)
}

func TestStartReleasesPartialLinkedLocks(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 5})
	merge, err := q.Enqueue("keep", models.TaskTypeMerge, nil, WithLinkedNodes("gone"))
	require.NoError(t, err)
	other := enqueue(t, q, "gone")
	require.NoError(t, q.UpdateState(other, models.TaskStateRunning, nil, nil))

	err = q.UpdateState(merge, models.TaskStateRunning, nil, nil)
	assert.ErrorIs(t, err, lock.ErrConflict)
	for _, l := range q.Locks() {
		assert.NotEqual(t, "keep", l.NodeID, "a refused start must not keep any lock")
	}
}

func TestDequeueRespectsNotBefore(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 3})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	id := enqueue(t, q, "n1")
	c, _ := q.Dequeue()
	require.NotNil(t, c)
	require.NoError(t, q.UpdateState(id, models.TaskStateFailed, nil, errors.New("503")))
	require.NoError(t, q.Requeue(id, base.Add(10*time.Second)))

	c, _ = q.Dequeue()
	assert.Nil(t, c)

	q.now = func() time.Time { return base.Add(11 * time.Second) }
	c, _ = q.Dequeue()
	require.NotNil(t, c)
	assert.Equal(t, 2, c.Task.Attempt)
}

func TestRetryBound(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 3})
	id := enqueue(t, q, "n1")

	runs := 0
	for i := 0; i < 10; i++ {
		if err := q.UpdateState(id, models.TaskStateRunning, nil, nil); err != nil {
			break
		}
		runs++
		require.NoError(t, q.UpdateState(id, models.TaskStateFailed, nil, fmt.Errorf("timeout %d", i)))
		if err := q.UpdateState(id, models.TaskStatePending, nil, nil); err != nil {
			assert.ErrorIs(t, err, ErrAttemptsExhausted)
			break
		}
	}
	assert.Equal(t, 3, runs)

	got, _ := q.GetTask(id)
	assert.Equal(t, models.TaskStateFailed, got.State)
	assert.True(t, got.Terminal())
	assert.Len(t, got.Errors, 3)
	assert.Equal(t, "timeout 2", got.LastError())
	assert.Equal(t, "transient", got.Errors[0].Class)

	n, err := q.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "exhausted tasks are not resurrected")
}

func TestRetryFailed(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	a := enqueue(t, q, "a")
	b := enqueue(t, q, "b")
	for _, id := range []string{a, b} {
		require.NoError(t, q.UpdateState(id, models.TaskStateRunning, nil, nil))
		require.NoError(t, q.UpdateState(id, models.TaskStateFailed, nil, errors.New("x")))
	}
	n, err := q.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Status().PendingCount)
}

func TestErrorHistoryBounded(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 10, ErrorHistory: 2})
	id := enqueue(t, q, "n1")
	for i := 0; i < 4; i++ {
		require.NoError(t, q.UpdateState(id, models.TaskStateRunning, nil, nil))
		require.NoError(t, q.UpdateState(id, models.TaskStateFailed, nil, fmt.Errorf("e%d", i)))
		require.NoError(t, q.UpdateState(id, models.TaskStatePending, nil, nil))
	}
	got, _ := q.GetTask(id)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, "e2", got.Errors[0].Message)
	assert.Equal(t, "e3", got.Errors[1].Message)
}

func TestInvalidTransitions(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	id := enqueue(t, q, "n1")

	assert.ErrorIs(t, q.UpdateState(id, models.TaskStateCompleted, nil, nil), ErrInvalidTransition)
	assert.ErrorIs(t, q.UpdateState(id, models.TaskStateFailed, nil, nil), ErrInvalidTransition)
	assert.ErrorIs(t, q.UpdateState("missing", models.TaskStateRunning, nil, nil), ErrTaskNotFound)

	require.NoError(t, q.UpdateState(id, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(id, models.TaskStateCompleted, nil, nil))
	assert.ErrorIs(t, q.Cancel(id), ErrNotCancellable)
	assert.ErrorIs(t, q.Requeue(id, time.Now()), ErrInvalidTransition)
}

func TestCancelRunningCancelsContext(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	enqueue(t, q, "n1")
	claim, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, claim)

	require.NoError(t, q.Cancel(claim.Task.ID))
	select {
	case <-claim.Ctx.Done():
	default:
		t.Fatal("task context should be cancelled")
	}
	// A late outcome from the executor is refused.
	assert.ErrorIs(t, q.UpdateState(claim.Task.ID, models.TaskStateCompleted, nil, nil), ErrInvalidTransition)
	assert.Equal(t, 0, q.Status().RunningCount)
}

func TestEventsOrderedAndIsolated(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())

	var mu sync.Mutex
	var seen []EventType
	unsubscribe := q.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		// The transition is visible by the time the listener runs.
		got, ok := q.GetTask(ev.Task.ID)
		require.True(t, ok)
		assert.Equal(t, ev.Task.State, got.State)
		seen = append(seen, ev.Type)
	})
	q.Subscribe(func(Event) { panic("listener bug") })

	id := enqueue(t, q, "n1")
	require.NoError(t, q.UpdateState(id, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(id, models.TaskStateFailed, nil, errors.New("x")))
	require.NoError(t, q.UpdateState(id, models.TaskStatePending, nil, nil))
	require.NoError(t, q.Cancel(id))

	mu.Lock()
	assert.Equal(t, []EventType{
		EventTaskAdded, EventTaskStarted, EventTaskFailed, EventTaskRetried, EventTaskCancelled,
	}, seen)
	mu.Unlock()

	unsubscribe()
	enqueue(t, q, "n2")
	mu.Lock()
	assert.Len(t, seen, 5)
	mu.Unlock()
}

func TestListenerMayCallBack(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	var events []EventType
	q.Subscribe(func(ev Event) {
		events = append(events, ev.Type)
		if ev.Type == EventTaskAdded && ev.Task.NodeID == "n1" {
			_, err := q.Enqueue("n2", models.TaskTypeVerify, nil)
			assert.NoError(t, err)
		}
	})
	enqueue(t, q, "n1")
	assert.Equal(t, []EventType{EventTaskAdded, EventTaskAdded}, events)
}

func TestCleanupCompletedTasks(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 1})
	done := enqueue(t, q, "a")
	failed := enqueue(t, q, "b")
	pending := enqueue(t, q, "c")
	require.NoError(t, q.UpdateState(done, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(done, models.TaskStateCompleted, nil, nil))
	require.NoError(t, q.UpdateState(failed, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(failed, models.TaskStateFailed, nil, errors.New("bad")))

	n, err := q.CleanupCompletedTasks(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing older than cutoff")

	n, err = q.CleanupCompletedTasks(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok := q.GetTask(pending)
	assert.True(t, ok)
	_, ok = q.GetTask(done)
	assert.False(t, ok)
}

// TestMutualExclusionRandomized drives random operations from several
// goroutines and checks at every step that no node has two running tasks.
func TestMutualExclusionRandomized(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 4, MaxAttempts: 5})
	nodes := []string{"n1", "n2", "n3"}

	var violations int
	var vmu sync.Mutex
	check := func() {
		running := map[string]int{}
		for _, task := range q.TasksByState(models.TaskStateRunning) {
			running[task.NodeID]++
		}
		for _, c := range running {
			if c > 1 {
				vmu.Lock()
				violations++
				vmu.Unlock()
			}
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				switch rng.Intn(5) {
				case 0:
					_, _ = q.Enqueue(nodes[rng.Intn(len(nodes))], models.TaskTypeAmend, nil)
				case 1:
					if c, _ := q.Dequeue(); c != nil && rng.Intn(2) == 0 {
						_ = q.UpdateState(c.Task.ID, models.TaskStateCompleted, nil, nil)
					}
				case 2:
					if pending := q.TasksByState(models.TaskStatePending); len(pending) > 0 {
						_ = q.UpdateState(pending[0].ID, models.TaskStateRunning, nil, nil)
					}
				case 3:
					if running := q.TasksByState(models.TaskStateRunning); len(running) > 0 {
						_ = q.UpdateState(running[0].ID, models.TaskStateFailed, nil, errors.New("503"))
					}
				case 4:
					_, _ = q.RetryFailed()
				}
				check()
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Zero(t, violations)
	assert.LessOrEqual(t, q.Status().RunningCount, 4)
	assert.Equal(t, q.Status().RunningCount, len(q.Locks()))
}

func TestInitializeRecoversRunning(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "razor.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	q := New(Config{MaxAttempts: 2}, lock.NewManager(), st, nil)
	a := enqueue(t, q, "a")
	b := enqueue(t, q, "b")
	c := enqueue(t, q, "c")
	require.NoError(t, q.UpdateState(a, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(b, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.UpdateState(b, models.TaskStateFailed, nil, errors.New("503")))
	require.NoError(t, q.UpdateState(b, models.TaskStatePending, nil, nil))
	require.NoError(t, q.UpdateState(b, models.TaskStateRunning, nil, nil))
	require.NoError(t, q.Close(ctx))

	// Simulated crash: a and b were running.
	restarted := New(Config{MaxAttempts: 2}, lock.NewManager(), st, nil)
	require.NoError(t, restarted.Initialize(ctx))

	assert.Empty(t, restarted.Locks())
	got, _ := restarted.GetTask(a)
	assert.Equal(t, models.TaskStatePending, got.State)
	assert.Equal(t, "interrupted", got.Errors[len(got.Errors)-1].Class)
	got, _ = restarted.GetTask(b)
	assert.Equal(t, models.TaskStateFailed, got.State, "no attempts left")
	got, _ = restarted.GetTask(c)
	assert.Equal(t, models.TaskStatePending, got.State)

	ids := []string{}
	for _, task := range restarted.Tasks() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{a, b, c}, ids)

	// Recovered state was written back.
	again := New(Config{MaxAttempts: 2}, lock.NewManager(), st, nil)
	require.NoError(t, again.Initialize(ctx))
	assert.Equal(t, 0, again.Status().RunningCount)
	_, err = again.Enqueue("a", models.TaskTypeAmend, nil)
	assert.NoError(t, err)
}

type flakyBackend struct {
	mu    sync.Mutex
	fail  bool
	saved []models.Task
}

func (f *flakyBackend) SaveTasks(_ context.Context, tasks []models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.saved = tasks
	return nil
}

func (f *flakyBackend) LoadTasks(context.Context) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved, nil
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	backend := &flakyBackend{fail: true}
	q := New(DefaultConfig(), lock.NewManager(), backend, nil)

	id, err := q.Enqueue("n1", models.TaskTypeCreate, nil)
	require.ErrorIs(t, err, ErrPersist)
	require.NotEmpty(t, id)
	_, ok := q.GetTask(id)
	assert.True(t, ok)

	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()
	require.NoError(t, q.Flush(context.Background()))
	backend.mu.Lock()
	assert.Len(t, backend.saved, 1)
	backend.mu.Unlock()
}
