package queue

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTask       = errors.New("node id and task type are required")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotCancellable    = errors.New("task not cancellable")
	ErrPaused            = errors.New("queue is paused")
	ErrAtCapacity        = errors.New("queue at concurrency limit")
	ErrAttemptsExhausted = errors.New("task attempts exhausted")
	// ErrPersist means the mutation is applied in memory but not yet durable.
	ErrPersist = errors.New("persist queue state")
)
