package undo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/store"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
)

func newTestUndo(t *testing.T, max int) (*Store, *vault.Vault) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "razor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	return New(st, v, max, nil), v
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestUndo(t, 10)
	ctx := context.Background()

	for _, content := range []string{"", "line one\nline two\n", "Ünïcödé ✓ 概念"} {
		id, err := s.CreateSnapshot(ctx, "note.md", content, "t1", "n1")
		require.NoError(t, err)
		r, err := s.RestoreSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, content, r.Content)
		assert.Equal(t, "note.md", r.Path)
		assert.Equal(t, "t1", r.TaskID)
	}
}

func TestEvictionKeepsMostRecent(t *testing.T) {
	s, _ := newTestUndo(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.CreateSnapshot(ctx, "note.md", fmt.Sprintf("v%d", i), "t1", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := s.SnapshotCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	var got []string
	for _, snap := range list {
		got = append(got, snap.ID)
	}
	assert.Equal(t, ids[2:], got)

	_, err = s.RestoreSnapshot(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSafeWriteSnapshotsFirst(t *testing.T) {
	s, v := newTestUndo(t, 10)
	ctx := context.Background()
	require.NoError(t, v.WriteFile("a.md", "original"))

	id, err := s.SafeWrite(ctx, "a.md", "rewritten", "t1", "n1")
	require.NoError(t, err)

	cur, _ := v.ReadFile("a.md")
	assert.Equal(t, "rewritten", cur)

	r, err := s.RestoreSnapshotToFile(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.Existed)
	cur, _ = v.ReadFile("a.md")
	assert.Equal(t, "original", cur)
}

func TestSafeWriteNewFileRestoreDeletes(t *testing.T) {
	s, v := newTestUndo(t, 10)
	ctx := context.Background()

	id, err := s.SafeWrite(ctx, "new.md", "fresh", "t1", "n1")
	require.NoError(t, err)
	ok, _ := v.Exists("new.md")
	require.True(t, ok)

	_, err = s.RestoreSnapshotToFile(ctx, id)
	require.NoError(t, err)
	ok, _ = v.Exists("new.md")
	assert.False(t, ok)
}

func TestSafeDelete(t *testing.T) {
	s, v := newTestUndo(t, 10)
	ctx := context.Background()
	require.NoError(t, v.WriteFile("gone.md", "keep me"))

	id, err := s.SafeDelete(ctx, "gone.md", "t1", "")
	require.NoError(t, err)
	ok, _ := v.Exists("gone.md")
	assert.False(t, ok)

	_, err = s.RestoreSnapshotToFile(ctx, id)
	require.NoError(t, err)
	cur, _ := v.ReadFile("gone.md")
	assert.Equal(t, "keep me", cur)
}

type failingBackend struct{ Backend }

func (failingBackend) InsertSnapshot(context.Context, *models.Snapshot, int) ([]string, error) {
	return nil, errors.New("disk full")
}

func TestSnapshotFailureAbortsWrite(t *testing.T) {
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.WriteFile("a.md", "original"))
	s := New(failingBackend{}, v, 10, nil)

	_, err = s.SafeWrite(context.Background(), "a.md", "clobbered", "t1", "")
	require.ErrorIs(t, err, ErrSnapshotFailed)

	cur, _ := v.ReadFile("a.md")
	assert.Equal(t, "original", cur)
}

func TestIndependentPaths(t *testing.T) {
	s, _ := newTestUndo(t, 10)
	ctx := context.Background()

	a, err := s.CreateSnapshot(ctx, "concepts/a.md", "A", "t1", "")
	require.NoError(t, err)
	b, err := s.CreateSnapshot(ctx, "other/b.md", "B", "t2", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSnapshot(ctx, a))
	r, err := s.RestoreSnapshot(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "B", r.Content)

	matched, err := s.ListSnapshotsMatching(ctx, "other/**/*.md")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, b, matched[0].ID)

	_, err = s.ListSnapshotsMatching(ctx, "[")
	assert.Error(t, err)

	removed, err := s.ClearAllSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
