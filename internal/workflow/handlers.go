package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
)

const (
	createSchema = `{
	"type": "object",
	"required": ["path", "type", "name", "prompt"],
	"properties": {
		"path":   {"type": "string", "minLength": 1},
		"type":   {"type": "string", "minLength": 1},
		"name":   {"type": "string", "minLength": 1},
		"prompt": {"type": "string", "minLength": 1}
	}
}`
	amendSchema = `{
	"type": "object",
	"required": ["path", "type", "name", "instruction"],
	"properties": {
		"path":        {"type": "string", "minLength": 1},
		"type":        {"type": "string", "minLength": 1},
		"name":        {"type": "string", "minLength": 1},
		"instruction": {"type": "string", "minLength": 1}
	}
}`
	mergeSchema = `{
	"type": "object",
	"required": ["pair_id", "keep_path", "remove_node_id", "remove_path", "type", "name"],
	"properties": {
		"pair_id":        {"type": "string", "minLength": 1},
		"keep_path":      {"type": "string", "minLength": 1},
		"remove_node_id": {"type": "string", "minLength": 1},
		"remove_path":    {"type": "string", "minLength": 1},
		"type":           {"type": "string", "minLength": 1},
		"name":           {"type": "string", "minLength": 1}
	}
}`
	verifySchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string", "minLength": 1}
	}
}`
)

const (
	systemCreate = "You write concise, well-structured Markdown notes for a personal knowledge base. Reply with the note body only."
	systemAmend  = "You revise an existing Markdown note according to an instruction. Keep what the instruction does not touch. Reply with the full revised note only."
	systemMerge  = "You merge two Markdown notes describing the same concept into one note without losing information. Reply with the merged note only."
	systemVerify = "You review a Markdown note for factual or structural problems. Reply with a short list of issues, or OK if there are none."
)

// CreatePayload is the payload of a create task.
type CreatePayload struct {
	Path   string `json:"path"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// AmendPayload is the payload of an amend task.
type AmendPayload struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}

// MergePayload is the payload of a merge task. The task's node is the kept
// node.
type MergePayload struct {
	PairID       string `json:"pair_id"`
	KeepPath     string `json:"keep_path"`
	RemoveNodeID string `json:"remove_node_id"`
	RemovePath   string `json:"remove_path"`
	Type         string `json:"type"`
	Name         string `json:"name"`
}

// VerifyPayload is the payload of a verify task.
type VerifyPayload struct {
	Path string `json:"path"`
}

// WriteResult is returned by create and amend.
type WriteResult struct {
	Path       string                `json:"path"`
	SnapshotID string                `json:"snapshot_id"`
	Duplicates []models.SearchResult `json:"duplicates,omitempty"`
}

// MergeResult is returned by merge.
type MergeResult struct {
	KeepPath     string   `json:"keep_path"`
	RemovedPath  string   `json:"removed_path"`
	SnapshotIDs  []string `json:"snapshot_ids"`
	PairsRemoved int      `json:"pairs_removed"`
	ReindexError string   `json:"reindex_error,omitempty"`
}

// VerifyReport is returned by verify.
type VerifyReport struct {
	Path     string                `json:"path"`
	Bytes    int                   `json:"bytes"`
	Indexed  bool                  `json:"indexed"`
	Similar  []models.SearchResult `json:"similar,omitempty"`
	Issues   []string              `json:"issues,omitempty"`
	Review   string                `json:"review"`
	Approved bool                  `json:"approved"`
}

// Create generates a new note, writes it and indexes it.
func (w *Workflows) Create(ctx context.Context, task models.Task) (json.RawMessage, error) {
	var p CreatePayload
	if err := decode(task, &p); err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Type: %s\nTitle: %s\n\n%s", p.Type, p.Name, p.Prompt)
	content, err := w.Generator.Generate(ctx, systemCreate, prompt)
	if err != nil {
		return nil, err
	}
	return w.writeAndIndex(ctx, task, p.Path, p.Type, p.Name, content)
}

// Amend rewrites an existing note according to an instruction.
func (w *Workflows) Amend(ctx context.Context, task models.Task) (json.RawMessage, error) {
	var p AmendPayload
	if err := decode(task, &p); err != nil {
		return nil, err
	}
	current, err := w.read(p.Path)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Instruction: %s\n\nNote:\n%s", p.Instruction, current)
	content, err := w.Generator.Generate(ctx, systemAmend, prompt)
	if err != nil {
		return nil, err
	}
	return w.writeAndIndex(ctx, task, p.Path, p.Type, p.Name, content)
}

func (w *Workflows) writeAndIndex(ctx context.Context, task models.Task, path, typ, name, content string) (json.RawMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, retry.Permanentf("generator returned an empty note for %s", path)
	}
	snapID, err := w.write(ctx, task, path, content)
	if err != nil {
		return nil, err
	}
	defer w.persist(context.WithoutCancel(ctx), task)

	if err := w.index(ctx, task.NodeID, typ, name, path, content); err != nil {
		return nil, err
	}
	dups, err := w.detect(task.NodeID)
	if err != nil {
		return nil, err
	}
	return result(WriteResult{Path: path, SnapshotID: snapID, Duplicates: dups})
}

// Merge folds the removed note into the kept one, deletes the removed note
// and retires its index entry and duplicate pairs.
func (w *Workflows) Merge(ctx context.Context, task models.Task) (json.RawMessage, error) {
	var p MergePayload
	if err := decode(task, &p); err != nil {
		return nil, err
	}
	if p.RemoveNodeID == task.NodeID {
		return nil, retry.Permanentf("merge: cannot merge node %s into itself", p.RemoveNodeID)
	}
	if !task.Holds(p.RemoveNodeID) {
		return nil, retry.Permanentf("merge: task %s does not lock removed node %s", task.ID, p.RemoveNodeID)
	}
	pair, ok := w.Registry.GetPair(p.PairID)
	if !ok {
		return nil, retry.Permanentf("merge: duplicate pair %s not found", p.PairID)
	}
	if !pair.Involves(task.NodeID) || !pair.Involves(p.RemoveNodeID) {
		return nil, retry.Permanentf("merge: pair %s does not join %s and %s", p.PairID, task.NodeID, p.RemoveNodeID)
	}
	if pair.Status != models.PairStatusPending {
		return nil, retry.Permanentf("merge: pair %s is %s", p.PairID, pair.Status)
	}

	keep, err := w.read(p.KeepPath)
	if err != nil {
		return nil, err
	}
	remove, err := w.read(p.RemovePath)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Title: %s\n\nNote A:\n%s\n\nNote B:\n%s", p.Name, keep, remove)
	merged, err := w.Generator.Generate(ctx, systemMerge, prompt)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(merged) == "" {
		return nil, retry.Permanentf("generator returned an empty merge for %s", p.KeepPath)
	}

	keepSnap, err := w.write(ctx, task, p.KeepPath, merged)
	if err != nil {
		return nil, err
	}
	defer w.persist(context.WithoutCancel(ctx), task)

	removeSnap, err := w.Undo.SafeDelete(ctx, p.RemovePath, task.ID, p.RemoveNodeID)
	if err != nil {
		return nil, err
	}
	w.Index.Delete(p.RemoveNodeID)

	if err := w.Registry.UpdateStatus(p.PairID, models.PairStatusMerged); err != nil {
		return nil, retry.Permanent(err)
	}
	// The merged pair goes with every other pair on the removed node.
	removed := w.Registry.RemovePairsForNode(p.RemoveNodeID)
	w.Logger.Info("notes merged", zap.String("task_id", task.ID), zap.String("keep", p.KeepPath),
		zap.String("removed", p.RemovePath), zap.Int("pairs_removed", removed))

	res := MergeResult{
		KeepPath:     p.KeepPath,
		RemovedPath:  p.RemovePath,
		SnapshotIDs:  []string{keepSnap, removeSnap},
		PairsRemoved: removed,
	}
	// The note files are final at this point; a retry would find the removed
	// note gone, so an embedding failure is reported instead of returned.
	if err := w.index(ctx, task.NodeID, p.Type, p.Name, p.KeepPath, merged); err != nil {
		w.Logger.Warn("merged note not re-indexed", zap.String("task_id", task.ID), zap.Error(err))
		res.ReindexError = err.Error()
	}
	return result(res)
}

// Verify reviews a note and reports on it without writing.
func (w *Workflows) Verify(ctx context.Context, task models.Task) (json.RawMessage, error) {
	var p VerifyPayload
	if err := decode(task, &p); err != nil {
		return nil, err
	}
	content, err := w.read(p.Path)
	if err != nil {
		return nil, err
	}

	report := VerifyReport{Path: p.Path, Bytes: len(content)}
	if strings.TrimSpace(content) == "" {
		report.Issues = append(report.Issues, "note is empty")
	}
	if entry, ok := w.Index.FindByPath(p.Path); ok {
		report.Indexed = true
		if entry.NodeID != task.NodeID {
			report.Issues = append(report.Issues,
				fmt.Sprintf("indexed under node %s, task targets %s", entry.NodeID, task.NodeID))
		}
		similar, err := w.Index.FindSimilar(entry.NodeID, w.TopK)
		if err != nil {
			return nil, err
		}
		for _, s := range similar {
			if s.Similarity >= w.Threshold {
				report.Similar = append(report.Similar, s)
			}
		}
	} else {
		report.Issues = append(report.Issues, "note is not indexed")
	}

	review, err := w.Generator.Generate(ctx, systemVerify, content)
	if err != nil {
		return nil, err
	}
	report.Review = strings.TrimSpace(review)
	report.Approved = len(report.Issues) == 0 && strings.EqualFold(report.Review, "ok")
	return result(report)
}
