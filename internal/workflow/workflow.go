// Package workflow implements the note operations run by the task runner:
// create, amend, merge and verify.
//
// Every file mutation goes through the undo store, so a snapshot is durable
// before the note changes. Embeddings are refreshed after each write and
// similar notes of the same type are recorded as duplicate candidates.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/llm"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/runner"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vector"
)

// Registrar accepts handlers; *runner.Runner satisfies it.
type Registrar interface {
	Register(typ models.TaskType, h runner.Handler, schema string) error
}

// Deps are the collaborators shared by all workflows.
type Deps struct {
	Generator llm.Generator
	Embedder  llm.Embedder
	Files     vault.FS
	Undo      *undo.Store
	Index     *vector.Index
	Registry  *duplicate.Registry
	// Threshold is the minimum similarity recorded as a duplicate candidate.
	Threshold float64
	TopK      int
	Logger    *zap.Logger
}

// Workflows holds the handlers.
type Workflows struct {
	Deps
}

// New validates deps and returns the workflow set.
func New(d Deps) (*Workflows, error) {
	switch {
	case d.Generator == nil:
		return nil, errors.New("workflow: generator is required")
	case d.Embedder == nil:
		return nil, errors.New("workflow: embedder is required")
	case d.Files == nil:
		return nil, errors.New("workflow: file storage is required")
	case d.Undo == nil:
		return nil, errors.New("workflow: undo store is required")
	case d.Index == nil:
		return nil, errors.New("workflow: vector index is required")
	case d.Registry == nil:
		return nil, errors.New("workflow: duplicate registry is required")
	}
	if d.Threshold <= 0 {
		d.Threshold = 0.9
	}
	if d.TopK <= 0 {
		d.TopK = 5
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Workflows{Deps: d}, nil
}

// Register binds every workflow to its task type.
func (w *Workflows) Register(r Registrar) error {
	regs := []struct {
		typ    models.TaskType
		fn     runner.HandlerFunc
		schema string
	}{
		{models.TaskTypeCreate, w.Create, createSchema},
		{models.TaskTypeAmend, w.Amend, amendSchema},
		{models.TaskTypeMerge, w.Merge, mergeSchema},
		{models.TaskTypeVerify, w.Verify, verifySchema},
	}
	for _, reg := range regs {
		if err := r.Register(reg.typ, reg.fn, reg.schema); err != nil {
			return fmt.Errorf("register %s: %w", reg.typ, err)
		}
	}
	return nil
}

// --- shared steps ---

func decode(task models.Task, out any) error {
	if err := json.Unmarshal(task.Payload, out); err != nil {
		return retry.Permanentf("decode %s payload: %w", task.Type, err)
	}
	return nil
}

// read returns the note at path. A missing note is permanent.
func (w *Workflows) read(path string) (string, error) {
	content, err := w.Files.ReadFile(path)
	if errors.Is(err, vault.ErrNotFound) {
		return "", retry.Permanent(err)
	}
	return content, err
}

// write snapshots and writes path, refusing once ctx is done so a cancelled
// task never mutates the vault.
func (w *Workflows) write(ctx context.Context, task models.Task, path, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := w.Undo.SafeWrite(ctx, path, content, task.ID, task.NodeID)
	if err != nil {
		return "", err
	}
	w.Logger.Debug("note written", zap.String("task_id", task.ID), zap.String("path", path),
		zap.String("snapshot_id", id))
	return id, nil
}

// index embeds content and stores it for nodeID.
func (w *Workflows) index(ctx context.Context, nodeID, typ, name, path, content string) error {
	emb, err := w.Embedder.Embed(ctx, embedText(name, content))
	if err != nil {
		return err
	}
	err = w.Index.Upsert(models.VectorEntry{
		NodeID:    nodeID,
		Type:      typ,
		Name:      name,
		Path:      path,
		Embedding: emb,
	})
	if errors.Is(err, vector.ErrDimensionMismatch) || errors.Is(err, vector.ErrInvalidEntry) {
		return retry.Permanent(err)
	}
	return err
}

// detect records every same-type neighbor at or above the threshold as a
// pending duplicate candidate.
func (w *Workflows) detect(nodeID string) ([]models.SearchResult, error) {
	self, ok := w.Index.Get(nodeID)
	if !ok {
		return nil, nil
	}
	hits, err := w.Index.FindSimilar(nodeID, w.TopK)
	if err != nil {
		return nil, err
	}
	var found []models.SearchResult
	for _, h := range hits {
		if h.Similarity < w.Threshold {
			continue
		}
		_, err := w.Registry.AddPair(duplicate.NewPair{
			NodeA:      models.NodeRef{NodeID: self.NodeID, Name: self.Name, Path: self.Path},
			NodeB:      models.NodeRef{NodeID: h.NodeID, Name: h.Name, Path: h.Path},
			Type:       self.Type,
			Similarity: h.Similarity,
		})
		if err != nil {
			return found, err
		}
		found = append(found, h)
	}
	if len(found) > 0 {
		w.Logger.Info("duplicate candidates detected", zap.String("node_id", nodeID),
			zap.Int("count", len(found)))
	}
	return found, nil
}

// persist flushes the index and registry. Failures are logged; the
// in-memory state stays authoritative and is flushed again on shutdown.
func (w *Workflows) persist(ctx context.Context, task models.Task) {
	if err := w.Index.Persist(ctx); err != nil {
		w.Logger.Error("persist vector index", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := w.Registry.Persist(ctx); err != nil {
		w.Logger.Error("persist duplicate registry", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func embedText(name, content string) string {
	if name == "" {
		return content
	}
	return name + "\n\n" + content
}

func result(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, retry.Permanentf("encode result: %w", err)
	}
	return raw, nil
}
