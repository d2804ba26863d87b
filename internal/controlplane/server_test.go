package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/audit"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/lock"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/store"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vector"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/workflow"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *store.Store
	queue    *queue.Queue
	undo     *undo.Store
	vault    *vault.Vault
	registry *duplicate.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}

	q := queue.New(queue.DefaultConfig(), lock.NewManager(), st, nil)
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	u := undo.New(st, v, 20, nil)
	idx := vector.NewIndex(st)
	reg := duplicate.NewRegistry(st)
	service := NewService(q, u, idx, reg, audit.NewPDRWriter(st), nil)
	server := NewServer(service, st, "127.0.0.1:0", nil)
	server.SetVersion("test")

	return &testEnv{
		server:   server,
		handler:  server.Handler(),
		store:    st,
		queue:    q,
		undo:     u,
		vault:    v,
		registry: reg,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w.Result()
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	decode(t, resp, &health)
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version != "test" {
		t.Errorf("Expected version 'test', got '%s'", health.Version)
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
	if health.Queue == nil || health.Queue.MaxConcurrent != queue.DefaultConfig().MaxConcurrent {
		t.Errorf("Expected queue status, got %+v", health.Queue)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/health", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	resp := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	decode(t, resp, &health)
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestEnqueueAndGetTask(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/tasks", EnqueueRequest{
		NodeID: "n1", Type: "verify", Payload: json.RawMessage(`{"path":"a.md"}`),
	})
	expectStatus(t, resp, http.StatusCreated)
	var task models.Task
	decode(t, resp, &task)
	if task.State != models.TaskStatePending || task.NodeID != "n1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp = env.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = env.do(t, http.MethodGet, "/tasks?state=pending", nil)
	expectStatus(t, resp, http.StatusOK)
	var tasks []models.Task
	decode(t, resp, &tasks)
	if len(tasks) != 1 {
		t.Errorf("Expected 1 pending task, got %d", len(tasks))
	}

	resp = env.do(t, http.MethodGet, "/tasks/missing", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  EnqueueRequest
	}{
		{"unknown type", EnqueueRequest{NodeID: "n1", Type: "explode"}},
		{"missing node", EnqueueRequest{Type: "verify"}},
		{"merge without removed node", EnqueueRequest{NodeID: "n1", Type: "merge", Payload: json.RawMessage(`{"pair_id":"p1"}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/tasks", tc.req)
			expectStatus(t, resp, http.StatusBadRequest)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte(`{"node_id":`)))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", w.Code)
	}

	resp := env.do(t, http.MethodGet, "/tasks?state=bogus", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestEnqueueConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.queue.Enqueue("n1", models.TaskTypeAmend, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := env.queue.UpdateState(id, models.TaskStateRunning, nil, nil); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	resp := env.do(t, http.MethodPost, "/tasks", EnqueueRequest{NodeID: "n1", Type: "amend"})
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodGet, "/locks", nil)
	expectStatus(t, resp, http.StatusOK)
	var locks []models.Lock
	decode(t, resp, &locks)
	if len(locks) != 1 || locks[0].TaskID != id {
		t.Errorf("unexpected locks: %+v", locks)
	}

	// Cancelling frees the node.
	resp = env.do(t, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	expectStatus(t, resp, http.StatusOK)
	resp = env.do(t, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp = env.do(t, http.MethodPost, "/tasks", EnqueueRequest{NodeID: "n1", Type: "amend"})
	expectStatus(t, resp, http.StatusCreated)
}

func TestRetryTask(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.queue.Enqueue("n1", models.TaskTypeAmend, nil)
	resp := env.do(t, http.MethodPost, "/tasks/"+id+"/retry", nil)
	expectStatus(t, resp, http.StatusConflict)

	env.queue.UpdateState(id, models.TaskStateRunning, nil, nil)
	env.queue.UpdateState(id, models.TaskStateFailed, nil, context.DeadlineExceeded)

	resp = env.do(t, http.MethodPost, "/tasks/"+id+"/retry", nil)
	expectStatus(t, resp, http.StatusOK)
	var task models.Task
	decode(t, resp, &task)
	if task.State != models.TaskStatePending {
		t.Errorf("Expected pending after retry, got %s", task.State)
	}
}

func TestQueueControl(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/queue/pause", nil)
	expectStatus(t, resp, http.StatusOK)
	var status models.QueueStatus
	decode(t, resp, &status)
	if !status.Paused {
		t.Error("Expected paused")
	}

	resp = env.do(t, http.MethodPost, "/queue/resume", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &status)
	if status.Paused {
		t.Error("Expected resumed")
	}

	id, _ := env.queue.Enqueue("n1", models.TaskTypeAmend, nil)
	env.queue.Cancel(id)

	resp = env.do(t, http.MethodPost, "/queue/cleanup", cleanupRequest{OlderThan: "bogus"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodPost, "/queue/cleanup", nil)
	expectStatus(t, resp, http.StatusOK)
	var removed map[string]int
	decode(t, resp, &removed)
	if removed["removed"] != 1 {
		t.Errorf("Expected 1 removed, got %v", removed)
	}

	resp = env.do(t, http.MethodPost, "/queue/retry-failed", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = env.do(t, http.MethodGet, "/queue/nope", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestSnapshotRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.vault.WriteFile("notes/a.md", "v1"); err != nil {
		t.Fatal(err)
	}
	snapID, err := env.undo.SafeWrite(ctx, "notes/a.md", "v2", "t1", "n1")
	if err != nil {
		t.Fatalf("SafeWrite() error = %v", err)
	}
	if _, err := env.undo.SafeWrite(ctx, "other/b.md", "x", "t2", "n2"); err != nil {
		t.Fatalf("SafeWrite() error = %v", err)
	}

	resp := env.do(t, http.MethodGet, "/snapshots?path=notes/**", nil)
	expectStatus(t, resp, http.StatusOK)
	var snaps []models.Snapshot
	decode(t, resp, &snaps)
	if len(snaps) != 1 || snaps[0].ID != snapID {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}

	resp = env.do(t, http.MethodGet, "/snapshots?path=%5B", nil)
	expectStatus(t, resp, http.StatusBadRequest)

	// Refused while the node is being written by a running task.
	id, _ := env.queue.Enqueue("n1", models.TaskTypeAmend, nil)
	env.queue.UpdateState(id, models.TaskStateRunning, nil, nil)
	resp = env.do(t, http.MethodPost, "/snapshots/"+snapID+"/restore", nil)
	expectStatus(t, resp, http.StatusConflict)
	env.queue.Cancel(id)

	resp = env.do(t, http.MethodPost, "/snapshots/"+snapID+"/restore", nil)
	expectStatus(t, resp, http.StatusOK)
	content, err := env.vault.ReadFile("notes/a.md")
	if err != nil {
		t.Fatal(err)
	}
	if content != "v1" {
		t.Errorf("Expected restored content v1, got %q", content)
	}

	resp = env.do(t, http.MethodDelete, "/snapshots/"+snapID, nil)
	expectStatus(t, resp, http.StatusOK)
	resp = env.do(t, http.MethodGet, "/snapshots/"+snapID, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestDuplicateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	pairID, err := env.registry.AddPair(duplicate.NewPair{
		NodeA:      models.NodeRef{NodeID: "a", Name: "Apple", Path: "apple.md"},
		NodeB:      models.NodeRef{NodeID: "b", Name: "Malus", Path: "malus.md"},
		Type:       "concept",
		Similarity: 0.96,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodPost, "/duplicates/"+pairID+"/dismiss", nil)
	expectStatus(t, resp, http.StatusOK)
	var pair models.DuplicatePair
	decode(t, resp, &pair)
	if pair.Status != models.PairStatusDismissed {
		t.Errorf("Expected dismissed, got %s", pair.Status)
	}

	resp = env.do(t, http.MethodPost, "/duplicates/"+pairID+"/merge", MergeRequest{KeepNodeID: "b"})
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodPost, "/duplicates/"+pairID+"/undo-dismiss", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = env.do(t, http.MethodGet, "/duplicates?status=pending", nil)
	expectStatus(t, resp, http.StatusOK)
	var pairs []models.DuplicatePair
	decode(t, resp, &pairs)
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 pending pair, got %d", len(pairs))
	}

	resp = env.do(t, http.MethodPost, "/duplicates/"+pairID+"/merge", MergeRequest{KeepNodeID: "zzz"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodPost, "/duplicates/"+pairID+"/merge", MergeRequest{KeepNodeID: "b"})
	expectStatus(t, resp, http.StatusAccepted)
	var task models.Task
	decode(t, resp, &task)
	if task.NodeID != "b" || task.Type != models.TaskTypeMerge {
		t.Fatalf("unexpected merge task: %+v", task)
	}
	if len(task.LinkedNodeIDs) != 1 || task.LinkedNodeIDs[0] != "a" {
		t.Errorf("merge task links %v, want [a]", task.LinkedNodeIDs)
	}
	var payload workflow.MergePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	want := workflow.MergePayload{
		PairID: pairID, KeepPath: "malus.md", RemoveNodeID: "a", RemovePath: "apple.md",
		Type: "concept", Name: "Malus",
	}
	if payload != want {
		t.Errorf("merge payload = %+v, want %+v", payload, want)
	}

	// Persisted after status changes.
	reloaded := duplicate.NewRegistry(env.store)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Pairs()) != 1 {
		t.Errorf("Expected persisted pair, got %d", len(reloaded.Pairs()))
	}

	resp = env.do(t, http.MethodGet, "/duplicates/nope", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp = env.do(t, http.MethodGet, "/duplicates?status=weird", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestMergeConflictsWithRemovedNode(t *testing.T) {
	env := newTestEnv(t)
	pairID, err := env.registry.AddPair(duplicate.NewPair{
		NodeA:      models.NodeRef{NodeID: "a", Path: "apple.md"},
		NodeB:      models.NodeRef{NodeID: "b", Path: "malus.md"},
		Type:       "concept",
		Similarity: 0.96,
	})
	if err != nil {
		t.Fatal(err)
	}
	id, err := env.queue.Enqueue("b", models.TaskTypeAmend, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := env.queue.UpdateState(id, models.TaskStateRunning, nil, nil); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	// Keeping a removes b, which is being amended.
	resp := env.do(t, http.MethodPost, "/duplicates/"+pairID+"/merge", MergeRequest{KeepNodeID: "a"})
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodPost, "/tasks", EnqueueRequest{
		NodeID: "a", Type: "merge",
		Payload: json.RawMessage(`{"pair_id":"` + pairID + `","keep_path":"apple.md","remove_node_id":"b","remove_path":"malus.md","type":"concept","name":"a"}`),
	})
	expectStatus(t, resp, http.StatusConflict)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/queue/pause", nil)
	resp := env.do(t, http.MethodPost, "/tasks", EnqueueRequest{NodeID: "n1", Type: "verify"})
	expectStatus(t, resp, http.StatusCreated)
	var task models.Task
	decode(t, resp, &task)

	resp = env.do(t, http.MethodGet, "/audit", nil)
	expectStatus(t, resp, http.StatusOK)
	var entries []models.PDREntry
	decode(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 audit entries, got %d", len(entries))
	}

	resp = env.do(t, http.MethodGet, "/audit?task_id="+task.ID, nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &entries)
	if len(entries) != 1 || entries[0].Action != audit.ActionEnqueue {
		t.Errorf("unexpected task audit: %+v", entries)
	}

	resp = env.do(t, http.MethodGet, "/audit?limit=x", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}
