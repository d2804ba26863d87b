// Package client is the HTTP client for the razor daemon API, shared by the
// CLI, the TUI and the MCP server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/controlplane"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps HTTP calls to the razor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client with timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// BaseURL returns the API address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health returns the health payload. On a non-200 status both the payload
// and an error are returned.
func (c *Client) Health(ctx context.Context) (*controlplane.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, &APIError{StatusCode: resp.StatusCode, Message: health.DB}
	}
	return &health, nil
}

// --- Tasks ---

// Enqueue adds a task.
func (c *Client) Enqueue(ctx context.Context, nodeID string, typ models.TaskType, payload json.RawMessage) (*models.Task, error) {
	var t models.Task
	req := controlplane.EnqueueRequest{NodeID: nodeID, Type: string(typ), Payload: payload}
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks lists tasks, optionally filtered by state.
func (c *Client) ListTasks(ctx context.Context, state string) ([]models.Task, error) {
	path := "/tasks"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var tasks []models.Task
	err := c.do(ctx, http.MethodGet, path, nil, &tasks)
	return tasks, err
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RetryTask requeues a failed task.
func (c *Client) RetryTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/retry", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Queue ---

// QueueStatus fetches queue counts.
func (c *Client) QueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	var s models.QueueStatus
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Pause stops tasks from starting.
func (c *Client) Pause(ctx context.Context) (*models.QueueStatus, error) {
	var s models.QueueStatus
	if err := c.do(ctx, http.MethodPost, "/queue/pause", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Resume lets tasks start again.
func (c *Client) Resume(ctx context.Context) (*models.QueueStatus, error) {
	var s models.QueueStatus
	if err := c.do(ctx, http.MethodPost, "/queue/resume", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RetryFailed requeues failed tasks and returns how many.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/queue/retry-failed", nil, &out); err != nil {
		return 0, err
	}
	return out["requeued"], nil
}

// Cleanup removes terminal tasks older than olderThan.
func (c *Client) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	var out map[string]int
	body := map[string]string{"older_than": olderThan.String()}
	if err := c.do(ctx, http.MethodPost, "/queue/cleanup", body, &out); err != nil {
		return 0, err
	}
	return out["removed"], nil
}

// Locks lists held node locks.
func (c *Client) Locks(ctx context.Context) ([]models.Lock, error) {
	var locks []models.Lock
	err := c.do(ctx, http.MethodGet, "/locks", nil, &locks)
	return locks, err
}

// --- Snapshots ---

// ListSnapshots lists snapshots, optionally filtered by a path glob.
func (c *Client) ListSnapshots(ctx context.Context, pattern string) ([]models.Snapshot, error) {
	path := "/snapshots"
	if pattern != "" {
		path += "?path=" + url.QueryEscape(pattern)
	}
	var snaps []models.Snapshot
	err := c.do(ctx, http.MethodGet, path, nil, &snaps)
	return snaps, err
}

// GetSnapshot fetches one snapshot.
func (c *Client) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	var s models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshots/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RestoreSnapshot writes a snapshot back to its file.
func (c *Client) RestoreSnapshot(ctx context.Context, id string) (*undo.Restored, error) {
	var r undo.Restored
	if err := c.do(ctx, http.MethodPost, "/snapshots/"+url.PathEscape(id)+"/restore", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteSnapshot removes a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/snapshots/"+url.PathEscape(id), nil, nil)
}

// --- Duplicates ---

// ListDuplicates lists pairs, optionally filtered by status.
func (c *Client) ListDuplicates(ctx context.Context, status string) ([]models.DuplicatePair, error) {
	path := "/duplicates"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var pairs []models.DuplicatePair
	err := c.do(ctx, http.MethodGet, path, nil, &pairs)
	return pairs, err
}

// DismissDuplicate marks a pair dismissed.
func (c *Client) DismissDuplicate(ctx context.Context, id string) (*models.DuplicatePair, error) {
	return c.pairAction(ctx, id, "dismiss")
}

// UndoDismissDuplicate returns a dismissed pair to pending.
func (c *Client) UndoDismissDuplicate(ctx context.Context, id string) (*models.DuplicatePair, error) {
	return c.pairAction(ctx, id, "undo-dismiss")
}

func (c *Client) pairAction(ctx context.Context, id, action string) (*models.DuplicatePair, error) {
	var p models.DuplicatePair
	if err := c.do(ctx, http.MethodPost, "/duplicates/"+url.PathEscape(id)+"/"+action, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MergeDuplicate enqueues a merge keeping keepNodeID.
func (c *Client) MergeDuplicate(ctx context.Context, id, keepNodeID string) (*models.Task, error) {
	var t models.Task
	req := controlplane.MergeRequest{KeepNodeID: keepNodeID}
	if err := c.do(ctx, http.MethodPost, "/duplicates/"+url.PathEscape(id)+"/merge", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ClearDuplicateHistory removes merged and dismissed pairs.
func (c *Client) ClearDuplicateHistory(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/duplicates/clear-history", nil, &out); err != nil {
		return 0, err
	}
	return out["removed"], nil
}

// --- Index and audit ---

// IndexStats returns vector entry counts per type.
func (c *Client) IndexStats(ctx context.Context) (map[string]int, error) {
	var stats map[string]int
	err := c.do(ctx, http.MethodGet, "/index", nil, &stats)
	return stats, err
}

// Audit lists decision records.
func (c *Client) Audit(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var entries []models.PDREntry
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}
