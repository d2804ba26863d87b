// Package controlplane provides the HTTP API and service layer for razor.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/audit"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vector"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/workflow"
)

// Service provides the control plane business logic.
type Service struct {
	queue    *queue.Queue
	undo     *undo.Store
	index    *vector.Index
	registry *duplicate.Registry
	pdr      *audit.PDRWriter
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new control plane service.
func NewService(q *queue.Queue, u *undo.Store, idx *vector.Index, reg *duplicate.Registry, pdr *audit.PDRWriter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		queue:    q,
		undo:     u,
		index:    idx,
		registry: reg,
		pdr:      pdr,
		logger:   logger,
		now:      time.Now,
	}
}

// record writes a PDR; audit failures never fail the action.
func (s *Service) record(action string, inputs interface{}, err error, taskID, details string) {
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = audit.OutcomeFailed
		details = err.Error()
	}
	if _, perr := s.pdr.Record(action, inputs, outcome, taskID, details); perr != nil {
		s.logger.Warn("write pdr", zap.String("action", action), zap.Error(perr))
	}
}

// tolerate reports ErrPersist as a warning: the mutation is live in memory
// and will be written by the next successful persist.
func (s *Service) tolerate(err error) error {
	if errors.Is(err, queue.ErrPersist) {
		s.logger.Warn("queue state not yet durable", zap.Error(err))
		return nil
	}
	return err
}

// --- Task Operations ---

// EnqueueRequest is the body of POST /tasks.
type EnqueueRequest struct {
	NodeID  string          `json:"node_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnqueueTask adds a task. A node held by a running task is a conflict.
// A merge also locks the node it removes.
func (s *Service) EnqueueTask(req EnqueueRequest) (*models.Task, error) {
	typ := models.TaskType(req.Type)
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrBadRequest, req.Type)
	}
	var opts []queue.EnqueueOption
	if typ == models.TaskTypeMerge {
		var p workflow.MergePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.RemoveNodeID == "" {
			return nil, fmt.Errorf("%w: merge payload needs remove_node_id", ErrBadRequest)
		}
		opts = append(opts, queue.WithLinkedNodes(p.RemoveNodeID))
	}
	id, err := s.queue.Enqueue(req.NodeID, typ, req.Payload, opts...)
	if id == "" {
		s.record(audit.ActionEnqueue, req, err, "", "")
		return nil, err
	}
	s.record(audit.ActionEnqueue, req, nil, id, "")
	if err := s.tolerate(err); err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	t, ok := s.queue.GetTask(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, queue.ErrTaskNotFound)
	}
	return &t, nil
}

// ListTasks returns tasks in enqueue order, optionally filtered by state.
func (s *Service) ListTasks(state string) ([]models.Task, error) {
	if state == "" {
		return s.queue.Tasks(), nil
	}
	st := models.TaskState(state)
	if !st.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrBadRequest, state)
	}
	return s.queue.TasksByState(st), nil
}

// CancelTask cancels a pending, running or failed task.
func (s *Service) CancelTask(id string) (*models.Task, error) {
	err := s.tolerate(s.queue.Cancel(id))
	s.record(audit.ActionCancel, map[string]string{"task_id": id}, err, id, "")
	if err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// RetryTask moves one failed task back to pending immediately.
func (s *Service) RetryTask(id string) (*models.Task, error) {
	err := s.tolerate(s.queue.Requeue(id, s.now()))
	s.record(audit.ActionRetry, map[string]string{"task_id": id}, err, id, "")
	if err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// --- Queue Operations ---

// QueueStatus summarizes the queue.
func (s *Service) QueueStatus() models.QueueStatus {
	return s.queue.Status()
}

// Pause stops new tasks from starting.
func (s *Service) Pause() models.QueueStatus {
	s.queue.Pause()
	s.record(audit.ActionPause, nil, nil, "", "")
	return s.queue.Status()
}

// Resume lets tasks start again.
func (s *Service) Resume() models.QueueStatus {
	s.queue.Resume()
	s.record(audit.ActionResume, nil, nil, "", "")
	return s.queue.Status()
}

// RetryFailed requeues every failed task with attempts remaining.
func (s *Service) RetryFailed() (int, error) {
	n, err := s.queue.RetryFailed()
	err = s.tolerate(err)
	s.record(audit.ActionRetryFailed, nil, err, "", fmt.Sprintf("requeued %d", n))
	return n, err
}

// Cleanup removes terminal tasks last updated more than olderThan ago.
func (s *Service) Cleanup(olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: negative age", ErrBadRequest)
	}
	n, err := s.queue.CleanupCompletedTasks(s.now().Add(-olderThan))
	err = s.tolerate(err)
	s.record(audit.ActionCleanup, map[string]string{"older_than": olderThan.String()}, err, "", fmt.Sprintf("removed %d", n))
	return n, err
}

// Locks returns the held node locks.
func (s *Service) Locks() []models.Lock {
	return s.queue.Locks()
}

// --- Snapshot Operations ---

// ListSnapshots returns snapshots, newest first, optionally filtered by a
// path glob.
func (s *Service) ListSnapshots(ctx context.Context, pattern string) ([]models.Snapshot, error) {
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: invalid path pattern %q", ErrBadRequest, pattern)
	}
	return s.undo.ListSnapshotsMatching(ctx, pattern)
}

// GetSnapshot returns one snapshot.
func (s *Service) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	return s.undo.GetSnapshot(ctx, id)
}

// RestoreSnapshot writes a snapshot back to its file. It is refused while
// a running task holds the snapshot's node.
func (s *Service) RestoreSnapshot(ctx context.Context, id string) (*undo.Restored, error) {
	snap, err := s.undo.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.NodeID != "" {
		for _, l := range s.queue.Locks() {
			if l.NodeID == snap.NodeID {
				err := fmt.Errorf("%w: %s held by task %s", ErrNodeLocked, l.NodeID, l.TaskID)
				s.record(audit.ActionRestore, map[string]string{"snapshot_id": id}, err, snap.TaskID, "")
				return nil, err
			}
		}
	}
	r, err := s.undo.RestoreSnapshotToFile(ctx, id)
	s.record(audit.ActionRestore, map[string]string{"snapshot_id": id}, err, snap.TaskID, snap.Path)
	return r, err
}

// DeleteSnapshot removes a snapshot.
func (s *Service) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.undo.GetSnapshot(ctx, id); err != nil {
		return err
	}
	err := s.undo.DeleteSnapshot(ctx, id)
	s.record(audit.ActionDeleteSnap, map[string]string{"snapshot_id": id}, err, "", "")
	return err
}

// --- Duplicate Operations ---

// ListDuplicates returns pairs, optionally filtered by status.
func (s *Service) ListDuplicates(status string) ([]models.DuplicatePair, error) {
	switch models.PairStatus(status) {
	case "":
		return s.registry.Pairs(), nil
	case models.PairStatusPending:
		return s.registry.PendingPairs(), nil
	case models.PairStatusMerged:
		return s.registry.MergedPairs(), nil
	case models.PairStatusDismissed:
		return s.registry.DismissedPairs(), nil
	}
	return nil, fmt.Errorf("%w: unknown pair status %q", ErrBadRequest, status)
}

// GetDuplicate returns one pair.
func (s *Service) GetDuplicate(id string) (*models.DuplicatePair, error) {
	p, ok := s.registry.GetPair(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, duplicate.ErrNotFound)
	}
	return &p, nil
}

// SetDuplicateStatus dismisses a pair or undoes a dismissal.
func (s *Service) SetDuplicateStatus(ctx context.Context, id string, status models.PairStatus) (*models.DuplicatePair, error) {
	err := s.registry.UpdateStatus(id, status)
	s.record(audit.ActionPairStatus, map[string]string{"pair_id": id, "status": string(status)}, err, "", "")
	if err != nil {
		return nil, err
	}
	s.persistRegistry(ctx)
	return s.GetDuplicate(id)
}

// MergeRequest is the body of POST /duplicates/{id}/merge.
type MergeRequest struct {
	KeepNodeID string `json:"keep_node_id"`
}

// MergeDuplicate enqueues a merge task folding the other node of the pair
// into KeepNodeID.
func (s *Service) MergeDuplicate(id string, req MergeRequest) (*models.Task, error) {
	p, err := s.GetDuplicate(id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PairStatusPending {
		return nil, fmt.Errorf("%w: pair %s is %s", duplicate.ErrInvalidTransition, id, p.Status)
	}
	keep, remove := p.NodeA, p.NodeB
	switch req.KeepNodeID {
	case p.NodeA.NodeID, "":
	case p.NodeB.NodeID:
		keep, remove = p.NodeB, p.NodeA
	default:
		return nil, fmt.Errorf("%w: node %s is not part of pair %s", ErrBadRequest, req.KeepNodeID, id)
	}
	keepPath, removePath := keep.Path, remove.Path
	if e, ok := s.index.Get(keep.NodeID); ok && keepPath == "" {
		keepPath = e.Path
	}
	if e, ok := s.index.Get(remove.NodeID); ok && removePath == "" {
		removePath = e.Path
	}
	if keepPath == "" || removePath == "" {
		return nil, fmt.Errorf("%w: pair %s has no note paths", ErrBadRequest, id)
	}
	name := keep.Name
	if name == "" {
		name = keep.NodeID
	}

	payload, err := json.Marshal(workflow.MergePayload{
		PairID:       id,
		KeepPath:     keepPath,
		RemoveNodeID: remove.NodeID,
		RemovePath:   removePath,
		Type:         p.Type,
		Name:         name,
	})
	if err != nil {
		return nil, err
	}
	taskID, err := s.queue.Enqueue(keep.NodeID, models.TaskTypeMerge, payload, queue.WithLinkedNodes(remove.NodeID))
	s.record(audit.ActionPairMerge, map[string]string{"pair_id": id, "keep": keep.NodeID}, err, taskID, "")
	if taskID == "" {
		return nil, err
	}
	if err := s.tolerate(err); err != nil {
		return nil, err
	}
	return s.GetTask(taskID)
}

// ClearDuplicateHistory removes merged and dismissed pairs.
func (s *Service) ClearDuplicateHistory(ctx context.Context) int {
	n := s.registry.ClearHistory()
	s.record(audit.ActionClearHistory, nil, nil, "", fmt.Sprintf("removed %d", n))
	s.persistRegistry(ctx)
	return n
}

func (s *Service) persistRegistry(ctx context.Context) {
	if err := s.registry.Persist(ctx); err != nil {
		s.logger.Error("persist duplicate registry", zap.Error(err))
	}
}

// --- Index and Audit ---

// IndexStats returns the number of vector entries per type.
func (s *Service) IndexStats() map[string]int {
	return s.index.Stats()
}

// Audit returns recent decision records.
func (s *Service) Audit(taskID string, limit int) ([]models.PDREntry, error) {
	return s.pdr.List(taskID, limit)
}
