// Package queue schedules tasks against nodes.
//
// The queue decides if and when a task runs: it rejects work for nodes
// already held by a running task, bounds concurrency, persists its state
// and publishes lifecycle events. What a task does is the runner's business.
//
// All bookkeeping happens under one mutex, which is never held across I/O
// or listener calls.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/lock"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
)

// Config holds queue limits.
type Config struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ErrorHistory   int           `yaml:"error_history"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns the default queue limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  3,
		MaxAttempts:    3,
		ErrorHistory:   10,
		PersistTimeout: 5 * time.Second,
	}
}

// Backend persists the full task table.
type Backend interface {
	SaveTasks(ctx context.Context, tasks []models.Task) error
	LoadTasks(ctx context.Context) ([]models.Task, error)
}

// Claim is a task moved to running by Dequeue. Ctx is cancelled when the
// task is cancelled or finishes; the executor must stop once it is done.
type Claim struct {
	Task models.Task
	Ctx  context.Context
}

// Queue is the task scheduler.
type Queue struct {
	cfg     Config
	locks   *lock.Manager
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	tasks        map[string]*models.Task
	order        []string
	paused       bool
	running      int
	cancels      map[string]context.CancelFunc
	contexts     map[string]context.Context
	listeners    map[int]Listener
	nextListener int
	outbox       []Event
	delivering   bool
	version      uint64

	persistMu sync.Mutex
	persisted uint64

	wake chan struct{}
}

// New creates a queue. backend may be nil for an in-memory queue.
func New(cfg Config, locks *lock.Manager, backend Backend, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = def.ErrorHistory
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if locks == nil {
		locks = lock.NewManager()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:       cfg,
		locks:     locks,
		backend:   backend,
		logger:    logger,
		now:       time.Now,
		tasks:     make(map[string]*models.Task),
		cancels:   make(map[string]context.CancelFunc),
		contexts:  make(map[string]context.Context),
		listeners: make(map[int]Listener),
		wake:      make(chan struct{}, 1),
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Wake is signalled whenever a task may have become eligible to run.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// --- Lifecycle ---

// Initialize loads persisted tasks. Tasks persisted as running were
// interrupted: they go back to pending, or to failed when no attempts
// remain. No lock survives initialization.
func (q *Queue) Initialize(ctx context.Context) error {
	if q.backend == nil {
		return nil
	}
	loaded, err := q.backend.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	q.mu.Lock()
	now := q.now().UTC()
	q.tasks = make(map[string]*models.Task, len(loaded))
	q.order = q.order[:0]
	q.running = 0
	q.locks.Reset()
	recovered := 0
	for i := range loaded {
		t := loaded[i]
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = q.cfg.MaxAttempts
		}
		if t.State == models.TaskStateRunning {
			q.appendErrorLocked(&t, models.ErrorRecord{
				At: now, Attempt: t.Attempt, Class: "interrupted", Message: "interrupted by restart",
			})
			t.StartedAt = nil
			if t.Attempt >= t.MaxAttempts {
				t.State = models.TaskStateFailed
				t.CompletedAt = &now
			} else {
				t.State = models.TaskStatePending
			}
			t.UpdatedAt = now
			recovered++
		}
		if _, dup := q.tasks[t.ID]; dup {
			continue
		}
		q.tasks[t.ID] = &t
		q.order = append(q.order, t.ID)
	}
	q.version++
	if recovered == 0 {
		q.persisted = q.version
	}
	q.mu.Unlock()

	q.logger.Info("queue initialized", zap.Int("tasks", len(loaded)), zap.Int("recovered", recovered))
	q.signal()
	if recovered > 0 {
		return q.persist(ctx)
	}
	return nil
}

// Flush persists any unsaved state.
func (q *Queue) Flush(ctx context.Context) error {
	return q.persist(ctx)
}

// Close flushes state. Running tasks stay running on disk and are
// recovered by the next Initialize.
func (q *Queue) Close(ctx context.Context) error {
	return q.Flush(ctx)
}

// --- Task Operations ---

// EnqueueOption adjusts a task before it is queued.
type EnqueueOption func(*models.Task)

// WithLinkedNodes makes the task lock ids as well as its own node while
// it runs.
func WithLinkedNodes(ids ...string) EnqueueOption {
	return func(t *models.Task) {
		t.LinkedNodeIDs = append(t.LinkedNodeIDs, ids...)
	}
}

// Enqueue adds a pending task for nodeID. It fails immediately with a
// *lock.ConflictError if the node, or a linked node, is held by a running
// task. When ErrPersist is returned the task is queued in memory and the
// id is valid.
func (q *Queue) Enqueue(nodeID string, typ models.TaskType, payload json.RawMessage, opts ...EnqueueOption) (string, error) {
	if nodeID == "" || typ == "" {
		return "", ErrInvalidTask
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidTask)
	}

	now := q.now().UTC()
	t := &models.Task{
		ID:          uuid.New().String(),
		NodeID:      nodeID,
		Type:        typ,
		Payload:     append(json.RawMessage(nil), payload...),
		State:       models.TaskStatePending,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(payload) == 0 {
		t.Payload = nil
	}
	for _, opt := range opts {
		opt(t)
	}
	if linked := t.LockNodes()[1:]; len(linked) > 0 {
		t.LinkedNodeIDs = linked
	} else {
		t.LinkedNodeIDs = nil
	}

	q.mu.Lock()
	for _, n := range t.LockNodes() {
		if holder, ok := q.locks.Holder(n); ok {
			q.mu.Unlock()
			return "", &lock.ConflictError{NodeID: n, HolderTaskID: holder}
		}
	}
	q.tasks[t.ID] = t
	q.order = append(q.order, t.ID)
	q.version++
	q.emitLocked(EventTaskAdded, t)
	q.mu.Unlock()

	q.logger.Debug("task enqueued", zap.String("task_id", t.ID), zap.String("node_id", nodeID),
		zap.Strings("linked_node_ids", t.LinkedNodeIDs), zap.String("type", string(typ)))
	q.signal()
	return t.ID, q.commit()
}

// GetTask returns a copy of the task.
func (q *Queue) GetTask(id string) (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// Context returns the cancellation context of a running task.
func (q *Queue) Context(id string) (context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx, ok := q.contexts[id]
	return ctx, ok
}

// UpdateState drives the state machine:
//
//	pending -> running -> completed | failed
//	pending | running | failed -> cancelled
//	failed -> pending
//
// Entering running requires the queue to be unpaused and under capacity,
// attempts to remain, and the node lock to be granted; otherwise the task
// stays pending and the reason is returned. Leaving running releases the
// lock. result is stored on completion; execErr is recorded on failure.
func (q *Queue) UpdateState(id string, state models.TaskState, result json.RawMessage, execErr error) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}

	var err error
	switch {
	case state == models.TaskStateCancelled:
		err = q.cancelLocked(t)
	case t.State == models.TaskStatePending && state == models.TaskStateRunning:
		err = q.startLocked(t)
	case t.State == models.TaskStateRunning && state == models.TaskStateCompleted:
		q.completeLocked(t, result)
	case t.State == models.TaskStateRunning && state == models.TaskStateFailed:
		q.failLocked(t, execErr)
	case t.State == models.TaskStateFailed && state == models.TaskStatePending:
		err = q.requeueLocked(t, nil)
	default:
		err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, state)
	}
	q.mu.Unlock()

	if err != nil {
		return err
	}
	q.signal()
	return q.commit()
}

// Dequeue moves the oldest eligible pending task to running and returns
// it. Within one node tasks start in enqueue order: a node's later task
// never overtakes an earlier pending one, counting linked nodes. It
// returns nil when the queue is paused, at capacity, or has nothing
// eligible.
func (q *Queue) Dequeue() (*Claim, error) {
	q.mu.Lock()
	if q.paused || q.running >= q.cfg.MaxConcurrent {
		q.mu.Unlock()
		return nil, nil
	}

	now := q.now()
	seen := make(map[string]bool)
	var picked *models.Task
	for _, id := range q.order {
		t := q.tasks[id]
		if t.State != models.TaskStatePending {
			continue
		}
		nodes := t.LockNodes()
		blocked := false
		for _, n := range nodes {
			blocked = blocked || seen[n]
			seen[n] = true
		}
		if blocked {
			continue
		}
		if t.NotBefore != nil && now.Before(*t.NotBefore) {
			continue
		}
		if q.anyLockedLocked(nodes) {
			continue
		}
		if err := q.startLocked(t); err != nil {
			continue
		}
		picked = t
		break
	}
	if picked == nil {
		q.mu.Unlock()
		return nil, nil
	}
	claim := &Claim{Task: picked.Clone(), Ctx: q.contexts[picked.ID]}
	q.mu.Unlock()

	return claim, q.commit()
}

// Cancel moves a pending, running or failed task to cancelled, releasing
// its lock and cancelling its context. A running executor is not stopped
// forcibly; it must observe the context.
func (q *Queue) Cancel(id string) error {
	return q.UpdateState(id, models.TaskStateCancelled, nil, nil)
}

// Requeue moves a failed task back to pending, not to start before
// notBefore. It is how an executor applies a retry delay.
func (q *Queue) Requeue(id string, notBefore time.Time) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	var err error
	if t.State != models.TaskStateFailed {
		err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, models.TaskStatePending)
	} else {
		err = q.requeueLocked(t, &notBefore)
	}
	q.mu.Unlock()

	if err != nil {
		return err
	}
	q.signal()
	return q.commit()
}

// RetryFailed resets every failed task with attempts remaining to pending.
func (q *Queue) RetryFailed() (int, error) {
	q.mu.Lock()
	n := 0
	for _, id := range q.order {
		t := q.tasks[id]
		if t.State == models.TaskStateFailed && t.Attempt < t.MaxAttempts {
			if err := q.requeueLocked(t, nil); err == nil {
				n++
			}
		}
	}
	q.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	q.signal()
	return n, q.commit()
}

// Pause stops pending tasks from starting. Running tasks are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets pending tasks start again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// IsPaused reports the pause flag.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Status summarizes task counts.
func (q *Queue) Status() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := models.QueueStatus{Paused: q.paused, MaxConcurrent: q.cfg.MaxConcurrent}
	for _, t := range q.tasks {
		switch t.State {
		case models.TaskStatePending:
			s.PendingCount++
		case models.TaskStateRunning:
			s.RunningCount++
		case models.TaskStateCompleted:
			s.CompletedCount++
		case models.TaskStateFailed:
			s.FailedCount++
		case models.TaskStateCancelled:
			s.CancelledCount++
		}
	}
	return s
}

// TasksByState returns tasks in state, in enqueue order.
func (q *Queue) TasksByState(state models.TaskState) []models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Task
	for _, id := range q.order {
		if t := q.tasks[id]; t.State == state {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Tasks returns every task in enqueue order.
func (q *Queue) Tasks() []models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Locks returns the currently held node locks.
func (q *Queue) Locks() []models.Lock {
	return q.locks.Snapshot()
}

// StaleLocks returns locks held longer than age.
func (q *Queue) StaleLocks(age time.Duration) []models.Lock {
	return q.locks.Stale(age)
}

// CleanupCompletedTasks removes completed, cancelled and permanently
// failed tasks last updated before the cutoff.
func (q *Queue) CleanupCompletedTasks(before time.Time) (int, error) {
	q.mu.Lock()
	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Terminal() && t.UpdatedAt.Before(before) {
			delete(q.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	if removed > 0 {
		q.version++
	}
	q.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	q.logger.Debug("cleaned up tasks", zap.Int("removed", removed))
	return removed, q.commit()
}

// --- Transitions (caller holds q.mu) ---

func (q *Queue) startLocked(t *models.Task) error {
	if q.paused {
		return ErrPaused
	}
	if q.running >= q.cfg.MaxConcurrent {
		return ErrAtCapacity
	}
	if t.Attempt >= t.MaxAttempts {
		return fmt.Errorf("%s: %w", t.ID, ErrAttemptsExhausted)
	}
	nodes := t.LockNodes()
	for i, n := range nodes {
		if err := q.locks.Acquire(n, t.ID); err != nil {
			for _, held := range nodes[:i] {
				_ = q.locks.Release(held, t.ID)
			}
			return err
		}
	}

	now := q.now().UTC()
	t.State = models.TaskStateRunning
	t.Attempt++
	t.StartedAt = &now
	t.NotBefore = nil
	t.UpdatedAt = now
	q.running++

	ctx, cancel := context.WithCancel(context.Background())
	q.contexts[t.ID] = ctx
	q.cancels[t.ID] = cancel

	q.version++
	q.emitLocked(EventTaskStarted, t)
	q.logger.Debug("task started", zap.String("task_id", t.ID), zap.String("node_id", t.NodeID), zap.Int("attempt", t.Attempt))
	return nil
}

func (q *Queue) anyLockedLocked(nodes []string) bool {
	for _, n := range nodes {
		if q.locks.IsLocked(n) {
			return true
		}
	}
	return false
}

// leaveRunningLocked releases everything a running task holds.
func (q *Queue) leaveRunningLocked(t *models.Task) {
	for _, n := range t.LockNodes() {
		if err := q.locks.Release(n, t.ID); err != nil {
			q.logger.Warn("lock release", zap.String("task_id", t.ID), zap.String("node_id", n), zap.Error(err))
		}
	}
	if cancel, ok := q.cancels[t.ID]; ok {
		cancel()
	}
	delete(q.cancels, t.ID)
	delete(q.contexts, t.ID)
	q.running--
}

func (q *Queue) completeLocked(t *models.Task, result json.RawMessage) {
	q.leaveRunningLocked(t)
	now := q.now().UTC()
	t.State = models.TaskStateCompleted
	if len(result) > 0 {
		t.Result = append(json.RawMessage(nil), result...)
	}
	t.CompletedAt = &now
	t.UpdatedAt = now
	q.version++
	q.emitLocked(EventTaskCompleted, t)
	q.logger.Info("task completed", zap.String("task_id", t.ID), zap.Int("attempt", t.Attempt))
}

func (q *Queue) failLocked(t *models.Task, execErr error) {
	q.leaveRunningLocked(t)
	now := q.now().UTC()
	if execErr == nil {
		execErr = errors.New("unknown error")
	}
	q.appendErrorLocked(t, models.ErrorRecord{
		At:      now,
		Attempt: t.Attempt,
		Class:   string(retry.Classify(execErr)),
		Message: execErr.Error(),
	})
	t.State = models.TaskStateFailed
	t.CompletedAt = &now
	t.UpdatedAt = now
	q.version++
	q.emitLocked(EventTaskFailed, t)
	q.logger.Info("task failed", zap.String("task_id", t.ID), zap.Int("attempt", t.Attempt), zap.Error(execErr))
}

func (q *Queue) cancelLocked(t *models.Task) error {
	switch t.State {
	case models.TaskStatePending, models.TaskStateFailed:
	case models.TaskStateRunning:
		q.leaveRunningLocked(t)
	default:
		return fmt.Errorf("%s is %s: %w", t.ID, t.State, ErrNotCancellable)
	}
	now := q.now().UTC()
	t.State = models.TaskStateCancelled
	t.NotBefore = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	q.version++
	q.emitLocked(EventTaskCancelled, t)
	q.logger.Info("task cancelled", zap.String("task_id", t.ID))
	return nil
}

func (q *Queue) requeueLocked(t *models.Task, notBefore *time.Time) error {
	if t.Attempt >= t.MaxAttempts {
		return fmt.Errorf("%s: %w", t.ID, ErrAttemptsExhausted)
	}
	now := q.now().UTC()
	t.State = models.TaskStatePending
	t.CompletedAt = nil
	t.NotBefore = nil
	if notBefore != nil && notBefore.After(now) {
		nb := notBefore.UTC()
		t.NotBefore = &nb
	}
	t.UpdatedAt = now
	q.version++
	q.emitLocked(EventTaskRetried, t)
	return nil
}

func (q *Queue) appendErrorLocked(t *models.Task, rec models.ErrorRecord) {
	t.Errors = append(t.Errors, rec)
	if over := len(t.Errors) - q.cfg.ErrorHistory; over > 0 {
		t.Errors = append([]models.ErrorRecord(nil), t.Errors[over:]...)
	}
}

func (q *Queue) snapshotLocked() []models.Task {
	out := make([]models.Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id].Clone())
	}
	return out
}

// --- Persistence ---

// commit persists the mutation just made and then delivers its events.
func (q *Queue) commit() error {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.PersistTimeout)
	defer cancel()
	err := q.persist(ctx)
	q.deliver()
	return err
}

// persist writes the whole table if it changed since the last save.
// Snapshots are taken and saved under persistMu, so an older snapshot can
// never overwrite a newer one.
func (q *Queue) persist(ctx context.Context) error {
	if q.backend == nil {
		return nil
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	version := q.version
	if version == q.persisted {
		q.mu.Unlock()
		return nil
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.backend.SaveTasks(ctx, snapshot); err != nil {
		q.logger.Error("persist queue state", zap.Error(err), zap.Uint64("version", version))
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	q.mu.Lock()
	q.persisted = version
	q.mu.Unlock()
	return nil
}
