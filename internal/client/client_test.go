package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/audit"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/controlplane"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/store"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vector"
)

func newTestClient(t *testing.T) (*Client, *duplicate.Registry) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)

	q := queue.New(queue.DefaultConfig(), nil, st, nil)
	reg := duplicate.NewRegistry(st)
	svc := controlplane.NewService(q, undo.New(st, v, 10, nil), vector.NewIndex(st), reg, audit.NewPDRWriter(st), nil)
	srv := httptest.NewServer(controlplane.NewServer(svc, st, "", nil).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL + "/"), reg
}

func TestTaskRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.OK)

	task, err := c.Enqueue(ctx, "n1", models.TaskTypeVerify, []byte(`{"path":"a.md"}`))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, task.State)

	tasks, err := c.ListTasks(ctx, "pending")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"a.md"}`, string(got.Payload))

	cancelled, err := c.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, cancelled.State)

	n, err := c.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAPIErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetTask(ctx, "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.Enqueue(ctx, "n1", "bogus", nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestQueueAndDuplicates(t *testing.T) {
	c, reg := newTestClient(t)
	ctx := context.Background()

	s, err := c.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, s.Paused)
	s, err = c.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, s.Paused)

	id, err := reg.AddPair(duplicate.NewPair{
		NodeA: models.NodeRef{NodeID: "a"}, NodeB: models.NodeRef{NodeID: "b"}, Type: "concept", Similarity: 0.95,
	})
	require.NoError(t, err)

	p, err := c.DismissDuplicate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PairStatusDismissed, p.Status)

	n, err := c.ClearDuplicateHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pairs, err := c.ListDuplicates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pairs)

	entries, err := c.Audit(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	c.httpClient.Timeout = time.Second
	_, err := c.QueueStatus(context.Background())
	assert.Error(t, err)
}
