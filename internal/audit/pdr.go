// Package audit records Process Decision Records for operator actions that
// change queue, snapshot or duplicate state.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// Actions recorded by the control plane.
const (
	ActionEnqueue      = "task.enqueue"
	ActionCancel       = "task.cancel"
	ActionRetry        = "task.retry"
	ActionPause        = "queue.pause"
	ActionResume       = "queue.resume"
	ActionRetryFailed  = "queue.retry_failed"
	ActionCleanup      = "queue.cleanup"
	ActionRestore      = "snapshot.restore"
	ActionDeleteSnap   = "snapshot.delete"
	ActionPairStatus   = "duplicate.status"
	ActionPairMerge    = "duplicate.merge"
	ActionClearHistory = "duplicate.clear_history"
)

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Store is the PDR table.
type Store interface {
	WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
	ListPDRs(taskID string, limit int) ([]models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store Store
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Store) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(action, hashInputs(inputs), outcome, taskID, details)
}

// List returns recent records, newest first, optionally for one task.
func (w *PDRWriter) List(taskID string, limit int) ([]models.PDREntry, error) {
	return w.store.ListPDRs(taskID, limit)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
