// Package duplicate tracks candidate duplicate node pairs through review.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var (
	ErrNotFound          = errors.New("duplicate pair not found")
	ErrInvalidPair       = errors.New("invalid duplicate pair")
	ErrInvalidTransition = errors.New("invalid pair status transition")
)

// Backend persists the whole registry.
type Backend interface {
	SavePairs(ctx context.Context, pairs []models.DuplicatePair) error
	LoadPairs(ctx context.Context) ([]models.DuplicatePair, error)
}

// NewPair describes a pair to record.
type NewPair struct {
	NodeA      models.NodeRef
	NodeB      models.NodeRef
	Type       string
	Similarity float64
	Status     models.PairStatus // defaults to pending
}

// Registry is the in-memory set of duplicate pairs.
type Registry struct {
	mu        sync.RWMutex
	persistMu sync.Mutex
	pairs     map[string]*models.DuplicatePair
	byNodes   map[[2]string]string
	version   uint64
	saved     uint64
	backend   Backend
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		pairs:   make(map[string]*models.DuplicatePair),
		byNodes: make(map[[2]string]string),
		backend: backend,
		now:     time.Now,
	}
}

func nodeKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// AddPair records a pair and returns its id. Similarity is clamped to
// [0,1]. Adding a pair for two nodes already paired refreshes the existing
// record and returns its id.
func (r *Registry) AddPair(p NewPair) (string, error) {
	if p.NodeA.NodeID == "" || p.NodeB.NodeID == "" || p.NodeA.NodeID == p.NodeB.NodeID {
		return "", fmt.Errorf("%w: two distinct node ids are required", ErrInvalidPair)
	}
	status := p.Status
	if status == "" {
		status = models.PairStatusPending
	}
	if !validStatus(status) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidPair, status)
	}

	a, b := p.NodeA, p.NodeB
	if b.NodeID < a.NodeID {
		a, b = b, a
	}
	now := r.now().UTC()
	sim := clampSimilarity(p.Similarity)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := nodeKey(a.NodeID, b.NodeID)
	if id, ok := r.byNodes[key]; ok {
		existing := r.pairs[id]
		existing.NodeA, existing.NodeB = a, b
		existing.Similarity = sim
		existing.Type = p.Type
		existing.UpdatedAt = now
		r.version++
		return id, nil
	}

	pair := &models.DuplicatePair{
		ID:         uuid.New().String(),
		NodeA:      a,
		NodeB:      b,
		Type:       p.Type,
		Similarity: sim,
		Status:     status,
		DetectedAt: now,
		UpdatedAt:  now,
	}
	r.pairs[pair.ID] = pair
	r.byNodes[key] = pair.ID
	r.version++
	return pair.ID, nil
}

// GetPair returns a copy of the pair.
func (r *Registry) GetPair(id string) (models.DuplicatePair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[id]
	if !ok {
		return models.DuplicatePair{}, false
	}
	return *p, true
}

// PendingPairs returns the pairs awaiting review.
func (r *Registry) PendingPairs() []models.DuplicatePair {
	return r.byStatus(models.PairStatusPending)
}

// MergedPairs returns the pairs marked merged.
func (r *Registry) MergedPairs() []models.DuplicatePair {
	return r.byStatus(models.PairStatusMerged)
}

// DismissedPairs returns the pairs marked as not duplicates.
func (r *Registry) DismissedPairs() []models.DuplicatePair {
	return r.byStatus(models.PairStatusDismissed)
}

// Pairs returns every pair, highest similarity first.
func (r *Registry) Pairs() []models.DuplicatePair {
	return r.byStatus("")
}

func (r *Registry) byStatus(status models.PairStatus) []models.DuplicatePair {
	r.mu.RLock()
	out := r.collectLocked(status)
	r.mu.RUnlock()
	return sortPairs(out)
}

func (r *Registry) collectLocked(status models.PairStatus) []models.DuplicatePair {
	out := make([]models.DuplicatePair, 0, len(r.pairs))
	for _, p := range r.pairs {
		if status == "" || p.Status == status {
			out = append(out, *p)
		}
	}
	return out
}

func sortPairs(out []models.DuplicatePair) []models.DuplicatePair {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateStatus moves a pair along pending->merged, pending->dismissed or
// dismissed->pending.
func (r *Registry) UpdateStatus(id string, status models.PairStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if p.Status == status {
		return nil
	}
	if !allowed(p.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}
	p.Status = status
	p.UpdatedAt = r.now().UTC()
	r.version++
	return nil
}

func allowed(from, to models.PairStatus) bool {
	switch from {
	case models.PairStatusPending:
		return to == models.PairStatusMerged || to == models.PairStatusDismissed
	case models.PairStatusDismissed:
		return to == models.PairStatusPending
	}
	return false
}

func clampSimilarity(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}

func validStatus(s models.PairStatus) bool {
	switch s {
	case models.PairStatusPending, models.PairStatusMerged, models.PairStatusDismissed:
		return true
	}
	return false
}

// RemovePair deletes a pair. Removing an absent pair is not an error.
func (r *Registry) RemovePair(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

// RemovePairsForNode deletes every pair referencing nodeID and returns how
// many were removed.
func (r *Registry) RemovePairsForNode(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.pairs {
		if p.Involves(nodeID) {
			r.removeLocked(id)
			n++
		}
	}
	return n
}

// ClearHistory deletes merged and dismissed pairs.
func (r *Registry) ClearHistory() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.pairs {
		if p.Status != models.PairStatusPending {
			r.removeLocked(id)
			n++
		}
	}
	return n
}

func (r *Registry) removeLocked(id string) {
	p, ok := r.pairs[id]
	if !ok {
		return
	}
	delete(r.byNodes, nodeKey(p.NodeA.NodeID, p.NodeB.NodeID))
	delete(r.pairs, id)
	r.version++
}

// --- Persistence ---

// Load replaces the in-memory registry with the persisted one.
func (r *Registry) Load(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	pairs, err := r.backend.LoadPairs(ctx)
	if err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = make(map[string]*models.DuplicatePair, len(pairs))
	r.byNodes = make(map[[2]string]string, len(pairs))
	for i := range pairs {
		p := pairs[i]
		p.Similarity = clampSimilarity(p.Similarity)
		r.pairs[p.ID] = &p
		r.byNodes[nodeKey(p.NodeA.NodeID, p.NodeB.NodeID)] = p.ID
	}
	r.version++
	r.saved = r.version
	return nil
}

// Persist writes the registry if it changed since the last load or persist.
// The snapshot and its version are taken together and saved under
// persistMu, so an older snapshot never overwrites a newer one.
func (r *Registry) Persist(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	version := r.version
	if version == r.saved {
		r.mu.RUnlock()
		return nil
	}
	snapshot := r.collectLocked("")
	r.mu.RUnlock()

	if err := r.backend.SavePairs(ctx, sortPairs(snapshot)); err != nil {
		return fmt.Errorf("persist pairs: %w", err)
	}
	r.mu.Lock()
	r.saved = version
	r.mu.Unlock()
	return nil
}
