package controlplane

import (
	"errors"
	"net/http"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/lock"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrBadRequest = errors.New("bad request")
	ErrNodeLocked = errors.New("node is locked by a running task")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, queue.ErrInvalidTask),
		errors.Is(err, duplicate.ErrInvalidPair):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, undo.ErrNotFound),
		errors.Is(err, duplicate.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrConflict),
		errors.Is(err, ErrNodeLocked),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, queue.ErrNotCancellable),
		errors.Is(err, queue.ErrAttemptsExhausted),
		errors.Is(err, duplicate.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, undo.ErrCorrupt):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
