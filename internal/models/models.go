// Package models defines the core domain types for razor.
package models

import (
	"encoding/json"
	"slices"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// TaskType tags the business operation a task runs.
type TaskType string

const (
	TaskTypeCreate TaskType = "create"
	TaskTypeAmend  TaskType = "amend"
	TaskTypeMerge  TaskType = "merge"
	TaskTypeVerify TaskType = "verify"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCreate, TaskTypeAmend, TaskTypeMerge, TaskTypeVerify:
		return true
	}
	return false
}

// ErrorRecord is one entry of a task's error history.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Class   string    `json:"class,omitempty"` // "transient", "permanent", "interrupted"
	Message string    `json:"message"`
}

// Task represents a unit of scheduled work targeting one node.
type Task struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	// LinkedNodeIDs are further nodes the task writes. They are locked
	// together with NodeID while the task runs.
	LinkedNodeIDs []string        `json:"linked_node_ids,omitempty"`
	Type          TaskType        `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	State         TaskState       `json:"state"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	NotBefore     *time.Time      `json:"not_before,omitempty"`
	Errors        []ErrorRecord   `json:"errors,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// LockNodes returns NodeID followed by the distinct linked nodes.
func (t *Task) LockNodes() []string {
	nodes := []string{t.NodeID}
	for _, n := range t.LinkedNodeIDs {
		if n != "" && !slices.Contains(nodes, n) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Holds reports whether the task locks nodeID while running.
func (t *Task) Holds(nodeID string) bool {
	return slices.Contains(t.LockNodes(), nodeID)
}

// Terminal reports whether the task is in a state cleanup may remove.
// A failed task is terminal only once its attempts are exhausted.
func (t *Task) Terminal() bool {
	switch t.State {
	case TaskStateCompleted, TaskStateCancelled:
		return true
	case TaskStateFailed:
		return t.Attempt >= t.MaxAttempts
	}
	return false
}

// LastError returns the most recent error message, if any.
func (t *Task) LastError() string {
	if len(t.Errors) == 0 {
		return ""
	}
	return t.Errors[len(t.Errors)-1].Message
}

// Clone returns a deep copy safe to hand out of a lock.
func (t *Task) Clone() Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Errors != nil {
		c.Errors = append([]ErrorRecord(nil), t.Errors...)
	}
	if t.LinkedNodeIDs != nil {
		c.LinkedNodeIDs = append([]string(nil), t.LinkedNodeIDs...)
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.NotBefore = cloneTime(t.NotBefore)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// QueueStatus summarizes the queue.
type QueueStatus struct {
	Paused         bool `json:"paused"`
	PendingCount   int  `json:"pending_count"`
	RunningCount   int  `json:"running_count"`
	CompletedCount int  `json:"completed_count"`
	FailedCount    int  `json:"failed_count"`
	CancelledCount int  `json:"cancelled_count"`
	MaxConcurrent  int  `json:"max_concurrent"`
}

// Lock represents a node held by a running task.
type Lock struct {
	NodeID     string    `json:"node_id"`
	TaskID     string    `json:"task_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Snapshot is an immutable pre-write copy of one file.
type Snapshot struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Existed   bool      `json:"existed"`
	Checksum  string    `json:"checksum"`
	Size      int       `json:"size"`
	TaskID    string    `json:"task_id"`
	NodeID    string    `json:"node_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorEntry is one node's embedding.
type VectorEntry struct {
	NodeID    string    `json:"node_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Embedding []float32 `json:"embedding"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult is one nearest-neighbor hit.
type SearchResult struct {
	NodeID     string  `json:"node_id"`
	Name       string  `json:"name,omitempty"`
	Path       string  `json:"path,omitempty"`
	Similarity float64 `json:"similarity"`
}

// PairStatus is the review state of a duplicate pair.
type PairStatus string

const (
	PairStatusPending   PairStatus = "pending"
	PairStatusMerged    PairStatus = "merged"
	PairStatusDismissed PairStatus = "dismissed"
)

// NodeRef describes one side of a duplicate pair.
type NodeRef struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name,omitempty"`
	Path   string `json:"path,omitempty"`
}

// DuplicatePair is a human-reviewable candidate duplicate.
type DuplicatePair struct {
	ID         string     `json:"id"`
	NodeA      NodeRef    `json:"node_a"`
	NodeB      NodeRef    `json:"node_b"`
	Type       string     `json:"type"`
	Similarity float64    `json:"similarity"`
	Status     PairStatus `json:"status"`
	DetectedAt time.Time  `json:"detected_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Involves reports whether the pair references nodeID.
func (p *DuplicatePair) Involves(nodeID string) bool {
	return p.NodeA.NodeID == nodeID || p.NodeB.NodeID == nodeID
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
