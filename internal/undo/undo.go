// Package undo records pre-write copies of files so destructive writes can
// be reverted.
package undo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrCorrupt  = errors.New("snapshot checksum mismatch")
	// ErrSnapshotFailed wraps a failed snapshot; the guarded write did not happen.
	ErrSnapshotFailed = errors.New("snapshot failed, write aborted")
)

// DefaultMaxSnapshots bounds retention when no limit is configured.
const DefaultMaxSnapshots = 100

// Backend is the durable snapshot collection.
type Backend interface {
	InsertSnapshot(ctx context.Context, snap *models.Snapshot, max int) ([]string, error)
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	ListSnapshots(ctx context.Context) ([]models.Snapshot, error)
	CountSnapshots(ctx context.Context) (int, error)
	ClearSnapshots(ctx context.Context) (int, error)
}

// Restored is the content returned by RestoreSnapshot.
type Restored struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Existed   bool      `json:"existed"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store creates, restores and evicts snapshots.
type Store struct {
	backend Backend
	files   vault.FS
	max     int
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a snapshot store. files may be nil when only content-level
// operations are used.
func New(backend Backend, files vault.FS, maxSnapshots int, logger *zap.Logger) *Store {
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		files:   files,
		max:     maxSnapshots,
		logger:  logger,
		now:     time.Now,
	}
}

// MaxSnapshots returns the retention bound.
func (s *Store) MaxSnapshots() int { return s.max }

// CreateSnapshot durably records content for path and returns its id.
// When it returns, the snapshot is committed and the guarded write may proceed.
func (s *Store) CreateSnapshot(ctx context.Context, path, content, taskID, nodeID string) (string, error) {
	return s.create(ctx, path, content, true, taskID, nodeID)
}

func (s *Store) create(ctx context.Context, path, content string, existed bool, taskID, nodeID string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("create snapshot: empty path")
	}
	snap := &models.Snapshot{
		ID:        ulid.Make().String(),
		Path:      path,
		Content:   content,
		Existed:   existed,
		Checksum:  checksum(content),
		Size:      len(content),
		TaskID:    taskID,
		NodeID:    nodeID,
		CreatedAt: s.now().UTC(),
	}
	evicted, err := s.backend.InsertSnapshot(ctx, snap, s.max)
	if err != nil {
		return "", fmt.Errorf("create snapshot for %s: %w", path, err)
	}
	if len(evicted) > 0 {
		s.logger.Debug("evicted snapshots", zap.Strings("ids", evicted), zap.Int("max", s.max))
	}
	return snap.ID, nil
}

// RestoreSnapshot returns a snapshot's recorded content after verifying
// its checksum.
func (s *Store) RestoreSnapshot(ctx context.Context, id string) (*Restored, error) {
	snap, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Restored{
		Path:      snap.Path,
		Content:   snap.Content,
		Existed:   snap.Existed,
		TaskID:    snap.TaskID,
		CreatedAt: snap.CreatedAt,
	}, nil
}

// RestoreSnapshotToFile writes a snapshot's content back to its path. A
// snapshot taken of a file that did not exist yet deletes the file instead.
func (s *Store) RestoreSnapshotToFile(ctx context.Context, id string) (*Restored, error) {
	if s.files == nil {
		return nil, fmt.Errorf("restore %s: no file storage configured", id)
	}
	r, err := s.RestoreSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Existed {
		err = s.files.WriteFile(r.Path, r.Content)
	} else {
		err = s.files.DeleteFile(r.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("restore %s to %s: %w", id, r.Path, err)
	}
	s.logger.Info("snapshot restored", zap.String("snapshot_id", id), zap.String("path", r.Path),
		zap.Bool("existed", r.Existed))
	return r, nil
}

// GetSnapshot returns the full snapshot record.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (*models.Snapshot, error) {
	snap, err := s.backend.GetSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if snap.Checksum != checksum(snap.Content) {
		return nil, fmt.Errorf("%s: %w", id, ErrCorrupt)
	}
	return snap, nil
}

// DeleteSnapshot removes a snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	return s.backend.DeleteSnapshot(ctx, id)
}

// ListSnapshots returns all snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	return s.backend.ListSnapshots(ctx)
}

// ListSnapshotsMatching returns snapshots whose path matches a doublestar
// glob such as "concepts/**/*.md", newest first.
func (s *Store) ListSnapshotsMatching(ctx context.Context, pattern string) ([]models.Snapshot, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	all, err := s.backend.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Snapshot
	for _, snap := range all {
		if ok, _ := doublestar.Match(pattern, snap.Path); ok {
			out = append(out, snap)
		}
	}
	// ULIDs sort by creation time.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// SnapshotCount returns the number of stored snapshots.
func (s *Store) SnapshotCount(ctx context.Context) (int, error) {
	return s.backend.CountSnapshots(ctx)
}

// ClearAllSnapshots deletes every snapshot.
func (s *Store) ClearAllSnapshots(ctx context.Context) (int, error) {
	return s.backend.ClearSnapshots(ctx)
}

// --- Guarded writes ---

// SafeWrite snapshots the current content of path (or its absence) and
// only then writes content. If the snapshot fails the write is not
// attempted. It returns the snapshot id.
func (s *Store) SafeWrite(ctx context.Context, path, content, taskID, nodeID string) (string, error) {
	id, err := s.snapshotCurrent(ctx, path, taskID, nodeID)
	if err != nil {
		return "", err
	}
	if err := s.files.WriteFile(path, content); err != nil {
		return id, fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

// SafeDelete snapshots path and then deletes it.
func (s *Store) SafeDelete(ctx context.Context, path, taskID, nodeID string) (string, error) {
	id, err := s.snapshotCurrent(ctx, path, taskID, nodeID)
	if err != nil {
		return "", err
	}
	if err := s.files.DeleteFile(path); err != nil {
		return id, fmt.Errorf("delete %s: %w", path, err)
	}
	return id, nil
}

func (s *Store) snapshotCurrent(ctx context.Context, path, taskID, nodeID string) (string, error) {
	if s.files == nil {
		return "", fmt.Errorf("%w: no file storage configured", ErrSnapshotFailed)
	}
	exists, err := s.files.Exists(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	var current string
	if exists {
		if current, err = s.files.ReadFile(path); err != nil {
			return "", fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
		}
	}
	id, err := s.create(ctx, path, current, exists, taskID, nodeID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return id, nil
}

func checksum(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
