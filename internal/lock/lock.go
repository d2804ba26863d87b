// Package lock grants exclusive ownership of a node to at most one task.
//
// Locks carry no lease. A lock is held until its holder releases it; the
// queue releases on every transition out of running.
package lock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var (
	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("node locked by another task")
	// ErrNotHolder is returned when releasing a lock the caller does not hold.
	ErrNotHolder = errors.New("lock not held by task")
	ErrEmptyID   = errors.New("node id and task id are required")
)

// ConflictError names the task currently holding a node.
type ConflictError struct {
	NodeID       string
	HolderTaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("node %s locked by task %s", e.NodeID, e.HolderTaskID)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type entry struct {
	taskID     string
	acquiredAt time.Time
}

// Manager is a mutex-guarded node lock table.
type Manager struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]entry),
		now:   time.Now,
	}
}

// Acquire grants nodeID to taskID if unlocked or already held by taskID.
func (m *Manager) Acquire(nodeID, taskID string) error {
	if nodeID == "" || taskID == "" {
		return ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[nodeID]; ok {
		if cur.taskID == taskID {
			return nil
		}
		return &ConflictError{NodeID: nodeID, HolderTaskID: cur.taskID}
	}
	m.locks[nodeID] = entry{taskID: taskID, acquiredAt: m.now()}
	return nil
}

// Release frees nodeID. Releasing with the wrong task id leaves ownership
// untouched and returns ErrNotHolder.
func (m *Manager) Release(nodeID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[nodeID]
	if !ok || cur.taskID != taskID {
		return fmt.Errorf("release %s by %s: %w", nodeID, taskID, ErrNotHolder)
	}
	delete(m.locks, nodeID)
	return nil
}

// Holder returns the task holding nodeID.
func (m *Manager) Holder(nodeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[nodeID]
	return cur.taskID, ok
}

// IsLocked reports whether nodeID is held by any task.
func (m *Manager) IsLocked(nodeID string) bool {
	_, ok := m.Holder(nodeID)
	return ok
}

// Len returns the number of held locks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Snapshot returns all held locks ordered by node id.
func (m *Manager) Snapshot() []models.Lock {
	m.mu.Lock()
	out := make([]models.Lock, 0, len(m.locks))
	for nodeID, e := range m.locks {
		out = append(out, models.Lock{NodeID: nodeID, TaskID: e.taskID, AcquiredAt: e.acquiredAt})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Stale returns locks held longer than age.
func (m *Manager) Stale(age time.Duration) []models.Lock {
	cutoff := m.now().Add(-age)
	var out []models.Lock
	for _, l := range m.Snapshot() {
		if l.AcquiredAt.Before(cutoff) {
			out = append(out, l)
		}
	}
	return out
}

// Reset drops every lock. Used when rebuilding from durable task state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = make(map[string]entry)
}
