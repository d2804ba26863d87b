// Package runner executes queued tasks and reports outcomes back to the
// queue. The queue decides if and when a task runs; registered handlers
// decide what it does.
//
// Handlers must honor ctx: it is cancelled when the task is cancelled, times
// out, or the runner shuts down. A handler that ignores it keeps running,
// but its outcome is dropped once the task has left the running state.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
)

// Handler performs one task.
type Handler interface {
	Handle(ctx context.Context, task models.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task models.Task) (json.RawMessage, error)

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task models.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Config controls dispatch timing.
type Config struct {
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	LockWarnAfter time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		TaskTimeout:   5 * time.Minute,
		LockWarnAfter: 15 * time.Minute,
	}
}

type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Runner dispatches claimed tasks to handlers.
type Runner struct {
	queue  *queue.Queue
	policy retry.Policy
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[models.TaskType]registration

	wg sync.WaitGroup
}

// New creates a runner over q.
func New(q *queue.Queue, policy retry.Policy, cfg Config, logger *zap.Logger) *Runner {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.LockWarnAfter <= 0 {
		cfg.LockWarnAfter = def.LockWarnAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		queue:    q,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[models.TaskType]registration),
	}
}

// Register binds a handler to a task type. schema, when non-empty, is a
// JSON Schema the payload must satisfy before the handler runs.
func (r *Runner) Register(typ models.TaskType, h Handler, schema string) error {
	reg := registration{handler: h}
	if schema != "" {
		c := jsonschema.NewCompiler()
		name := string(typ) + ".json"
		if err := c.AddResource(name, strings.NewReader(schema)); err != nil {
			return fmt.Errorf("schema for %s: %w", typ, err)
		}
		compiled, err := c.Compile(name)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", typ, err)
		}
		reg.schema = compiled
	}

	r.mu.Lock()
	r.handlers[typ] = reg
	r.mu.Unlock()
	return nil
}

// Types returns the registered task types.
func (r *Runner) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Run dispatches tasks until ctx is cancelled, then waits for in-flight
// executions to return. Tasks interrupted by shutdown are left running on
// disk and recovered by the queue's next Initialize.
func (r *Runner) Run(ctx context.Context) error {
	r.wg.Add(1)
	go r.watchdog(ctx)

	r.logger.Info("runner started", zap.Duration("poll_interval", r.cfg.PollInterval))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.dispatch(ctx)
		select {
		case <-ctx.Done():
			r.wg.Wait()
			r.logger.Info("runner stopped")
			return nil
		case <-r.queue.Wake():
		case <-ticker.C:
		}
	}
}

// dispatch claims tasks until none is eligible.
func (r *Runner) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		claim, err := r.queue.Dequeue()
		if err != nil {
			r.logger.Error("dequeue", zap.Error(err))
		}
		if claim == nil {
			return
		}
		r.wg.Add(1)
		go r.execute(ctx, claim)
	}
}

func (r *Runner) execute(runCtx context.Context, claim *queue.Claim) {
	defer r.wg.Done()
	task := claim.Task
	log := r.logger.With(zap.String("task_id", task.ID), zap.String("node_id", task.NodeID),
		zap.String("type", string(task.Type)), zap.Int("attempt", task.Attempt))

	ctx, cancel := context.WithTimeout(claim.Ctx, r.cfg.TaskTimeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	start := r.now()
	result, err := r.invoke(ctx, task)
	log = log.With(zap.Duration("elapsed", r.now().Sub(start)))

	if err != nil && runCtx.Err() != nil {
		log.Info("task interrupted by shutdown")
		return
	}
	r.finish(log, task, result, err)
}

// invoke validates the payload and runs the handler, converting panics
// into permanent errors.
func (r *Runner) invoke(ctx context.Context, task models.Task) (result json.RawMessage, err error) {
	r.mu.RLock()
	reg, ok := r.handlers[task.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, retry.Permanentf("no handler for task type %q", task.Type)
	}
	if err := validatePayload(reg.schema, task.Payload); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			err = retry.Permanentf("handler panic: %v", p)
		}
	}()
	return reg.handler.Handle(ctx, task)
}

func validatePayload(schema *jsonschema.Schema, payload json.RawMessage) error {
	if schema == nil {
		return nil
	}
	raw := payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return retry.Permanentf("decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return retry.Permanentf("invalid payload: %w", err)
	}
	return nil
}

func (r *Runner) finish(log *zap.Logger, task models.Task, result json.RawMessage, execErr error) {
	if execErr == nil {
		if err := r.queue.UpdateState(task.ID, models.TaskStateCompleted, result, nil); err != nil {
			r.reportUpdateErr(log, err)
		}
		return
	}

	if err := r.queue.UpdateState(task.ID, models.TaskStateFailed, nil, execErr); err != nil {
		r.reportUpdateErr(log, err)
		if !errors.Is(err, queue.ErrPersist) {
			return
		}
	}

	decision := r.policy.ShouldRetrySeeded(task.Attempt, task.MaxAttempts, execErr, task.ID)
	if !decision.Retry {
		log.Warn("task failed permanently", zap.String("class", string(decision.Class)), zap.Error(execErr))
		return
	}
	log.Info("task will retry", zap.Duration("delay", decision.Delay), zap.Error(execErr))
	if err := r.queue.Requeue(task.ID, r.now().Add(decision.Delay)); err != nil {
		r.reportUpdateErr(log, err)
	}
}

func (r *Runner) reportUpdateErr(log *zap.Logger, err error) {
	if errors.Is(err, queue.ErrInvalidTransition) {
		// Cancelled while executing.
		log.Debug("dropped outcome of task no longer running", zap.Error(err))
		return
	}
	log.Error("update task state", zap.Error(err))
}

// watchdog reports locks held past LockWarnAfter. Locks are never
// force-released; cancelling the task is the only release.
func (r *Runner) watchdog(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.LockWarnAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	warned := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held := make(map[string]bool)
			for _, l := range r.StaleLocks() {
				key := l.NodeID + "/" + l.TaskID
				held[key] = true
				if warned[key] {
					continue
				}
				warned[key] = true
				r.logger.Warn("lock held past threshold; task may be wedged",
					zap.String("node_id", l.NodeID), zap.String("task_id", l.TaskID),
					zap.Time("acquired_at", l.AcquiredAt))
			}
			for key := range warned {
				if !held[key] {
					delete(warned, key)
				}
			}
		}
	}
}

// StaleLocks returns locks held longer than LockWarnAfter.
func (r *Runner) StaleLocks() []models.Lock {
	return r.queue.StaleLocks(r.cfg.LockWarnAfter)
}
