// Package vector is an in-memory, type-partitioned embedding index.
//
// Similarity search only ever compares entries within one type bucket.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var (
	ErrInvalidEntry      = errors.New("invalid vector entry")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNotFound          = errors.New("vector entry not found")
)

// Backend persists the whole index.
type Backend interface {
	SaveVectors(ctx context.Context, entries []models.VectorEntry) error
	LoadVectors(ctx context.Context) ([]models.VectorEntry, error)
}

type bucket struct {
	dim     int
	entries map[string]*models.VectorEntry
}

// Index holds vector entries grouped by type.
type Index struct {
	mu        sync.RWMutex
	persistMu sync.Mutex
	buckets   map[string]*bucket
	byNode    map[string]string // node id -> type
	version   uint64
	saved     uint64
	backend   Backend
	now       func() time.Time
}

// NewIndex creates an empty index. backend may be nil for a purely
// in-memory index.
func NewIndex(backend Backend) *Index {
	return &Index{
		buckets: make(map[string]*bucket),
		byNode:  make(map[string]string),
		backend: backend,
		now:     time.Now,
	}
}

// Upsert inserts or replaces the entry for e.NodeID. If the type changed
// the entry moves buckets.
func (x *Index) Upsert(e models.VectorEntry) error {
	if e.NodeID == "" || e.Type == "" {
		return fmt.Errorf("%w: node id and type are required", ErrInvalidEntry)
	}
	if len(e.Embedding) == 0 {
		return fmt.Errorf("%w: empty embedding for %s", ErrInvalidEntry, e.NodeID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	b := x.buckets[e.Type]
	if b != nil && b.dim != len(e.Embedding) {
		// A lone entry being replaced in place may change dimension.
		if !(len(b.entries) == 1 && b.entries[e.NodeID] != nil) {
			return fmt.Errorf("%w: %s has %d, bucket %s has %d",
				ErrDimensionMismatch, e.NodeID, len(e.Embedding), e.Type, b.dim)
		}
	}

	if prevType, ok := x.byNode[e.NodeID]; ok {
		x.removeLocked(e.NodeID, prevType)
	}

	b = x.buckets[e.Type]
	if b == nil {
		b = &bucket{entries: make(map[string]*models.VectorEntry)}
		x.buckets[e.Type] = b
	}
	b.dim = len(e.Embedding)

	entry := e
	entry.Embedding = append([]float32(nil), e.Embedding...)
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = x.now().UTC()
	}
	b.entries[e.NodeID] = &entry
	x.byNode[e.NodeID] = e.Type
	x.version++
	return nil
}

// Delete removes nodeID. Deleting an absent node is not an error.
func (x *Index) Delete(nodeID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if t, ok := x.byNode[nodeID]; ok {
		x.removeLocked(nodeID, t)
		x.version++
	}
}

func (x *Index) removeLocked(nodeID, typ string) {
	delete(x.byNode, nodeID)
	b := x.buckets[typ]
	if b == nil {
		return
	}
	delete(b.entries, nodeID)
	if len(b.entries) == 0 {
		delete(x.buckets, typ)
	}
}

// Get returns a copy of nodeID's entry.
func (x *Index) Get(nodeID string) (models.VectorEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.byNode[nodeID]
	if !ok {
		return models.VectorEntry{}, false
	}
	return copyEntry(x.buckets[t].entries[nodeID]), true
}

// FindByPath returns the entry whose path equals path.
func (x *Index) FindByPath(path string) (models.VectorEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, b := range x.buckets {
		for _, e := range b.entries {
			if e.Path == path {
				return copyEntry(e), true
			}
		}
	}
	return models.VectorEntry{}, false
}

// Search returns up to k entries of type typ nearest to query, by
// descending cosine similarity clamped to [0,1]. Ties order by node id.
func (x *Index) Search(typ string, query []float32, k int) ([]models.SearchResult, error) {
	return x.search(typ, query, k, "")
}

// FindSimilar searches nodeID's own bucket using its embedding, excluding
// nodeID itself.
func (x *Index) FindSimilar(nodeID string, k int) ([]models.SearchResult, error) {
	e, ok := x.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", nodeID, ErrNotFound)
	}
	return x.search(e.Type, e.Embedding, k, nodeID)
}

func (x *Index) search(typ string, query []float32, k int, exclude string) ([]models.SearchResult, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidEntry)
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	b := x.buckets[typ]
	if b == nil {
		x.mu.RUnlock()
		return nil, nil
	}
	if b.dim != len(query) {
		x.mu.RUnlock()
		return nil, fmt.Errorf("%w: query has %d, bucket %s has %d", ErrDimensionMismatch, len(query), typ, b.dim)
	}
	results := make([]models.SearchResult, 0, len(b.entries))
	for id, e := range b.entries {
		if id == exclude {
			continue
		}
		results = append(results, models.SearchResult{
			NodeID:     id,
			Name:       e.Name,
			Path:       e.Path,
			Similarity: CosineSimilarity(query, e.Embedding),
		})
	}
	x.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].NodeID < results[j].NodeID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// CosineSimilarity returns the cosine of a and b clamped to [0,1]. Zero
// vectors and mismatched lengths yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return Clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Clamp01 clamps v into [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Stats returns the entry count per type.
func (x *Index) Stats() map[string]int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]int, len(x.buckets))
	for t, b := range x.buckets {
		out[t] = len(b.entries)
	}
	return out
}

// Len returns the total number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byNode)
}

// Entries returns every entry ordered by type then node id.
func (x *Index) Entries() []models.VectorEntry {
	x.mu.RLock()
	out := x.entriesLocked()
	x.mu.RUnlock()
	return sortEntries(out)
}

func (x *Index) entriesLocked() []models.VectorEntry {
	out := make([]models.VectorEntry, 0, len(x.byNode))
	for _, b := range x.buckets {
		for _, e := range b.entries {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

func sortEntries(out []models.VectorEntry) []models.VectorEntry {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// --- Persistence ---

// Load replaces the in-memory index with the persisted one.
func (x *Index) Load(ctx context.Context) error {
	if x.backend == nil {
		return nil
	}
	entries, err := x.backend.LoadVectors(ctx)
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}

	fresh := NewIndex(x.backend)
	for _, e := range entries {
		if err := fresh.Upsert(e); err != nil {
			return fmt.Errorf("load vector %s: %w", e.NodeID, err)
		}
	}

	x.mu.Lock()
	x.buckets = fresh.buckets
	x.byNode = fresh.byNode
	x.version++
	x.saved = x.version
	x.mu.Unlock()
	return nil
}

// Persist writes the index if it changed since the last load or persist.
// The snapshot and its version are taken together and saved under
// persistMu, so an older snapshot never overwrites a newer one.
func (x *Index) Persist(ctx context.Context) error {
	if x.backend == nil {
		return nil
	}
	x.persistMu.Lock()
	defer x.persistMu.Unlock()

	x.mu.RLock()
	version := x.version
	if version == x.saved {
		x.mu.RUnlock()
		return nil
	}
	snapshot := x.entriesLocked()
	x.mu.RUnlock()

	if err := x.backend.SaveVectors(ctx, sortEntries(snapshot)); err != nil {
		return fmt.Errorf("persist vectors: %w", err)
	}
	x.mu.Lock()
	x.saved = version
	x.mu.Unlock()
	return nil
}

func copyEntry(e *models.VectorEntry) models.VectorEntry {
	c := *e
	c.Embedding = append([]float32(nil), e.Embedding...)
	return c
}
