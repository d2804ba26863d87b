// Package mcp exposes the razor queue to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
)

// API is the slice of the daemon client the tools call.
type API interface {
	Enqueue(ctx context.Context, nodeID string, typ models.TaskType, payload json.RawMessage) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, state string) ([]models.Task, error)
	CancelTask(ctx context.Context, id string) (*models.Task, error)
	RetryTask(ctx context.Context, id string) (*models.Task, error)
	QueueStatus(ctx context.Context) (*models.QueueStatus, error)
	ListDuplicates(ctx context.Context, status string) ([]models.DuplicatePair, error)
	DismissDuplicate(ctx context.Context, id string) (*models.DuplicatePair, error)
	MergeDuplicate(ctx context.Context, id, keepNodeID string) (*models.Task, error)
	ListSnapshots(ctx context.Context, pattern string) ([]models.Snapshot, error)
	RestoreSnapshot(ctx context.Context, id string) (*undo.Restored, error)
}

type EnqueueArgs struct {
	NodeID  string         `json:"node_id" jsonschema:"the note node the task targets"`
	Type    string         `json:"type" jsonschema:"one of create, amend, merge, verify"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"task payload object"`
}

type IDArgs struct {
	ID string `json:"id" jsonschema:"identifier"`
}

type ListTasksArgs struct {
	State string `json:"state,omitempty" jsonschema:"pending, running, completed, failed or cancelled; empty lists all"`
}

type ListDuplicatesArgs struct {
	Status string `json:"status,omitempty" jsonschema:"pending, merged or dismissed; empty lists all"`
}

type MergeArgs struct {
	ID         string `json:"id" jsonschema:"duplicate pair id"`
	KeepNodeID string `json:"keep_node_id,omitempty" jsonschema:"node to keep; defaults to the pair's first node"`
}

type ListSnapshotsArgs struct {
	Path string `json:"path,omitempty" jsonschema:"glob over vault paths, for example notes/**"`
}

// NewServer builds the MCP server with every queue tool registered.
func NewServer(api API, version string, logger *zap.Logger) *sdk.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := sdk.NewServer(&sdk.Implementation{Name: "razor", Version: version}, nil)
	t := &tools{api: api, logger: logger}

	sdk.AddTool(s, &sdk.Tool{Name: "enqueue_task", Description: "Queue a note operation for a node"}, t.enqueue)
	sdk.AddTool(s, &sdk.Tool{Name: "get_task", Description: "Show one task with its error history"}, t.getTask)
	sdk.AddTool(s, &sdk.Tool{Name: "list_tasks", Description: "List tasks, optionally by state"}, t.listTasks)
	sdk.AddTool(s, &sdk.Tool{Name: "cancel_task", Description: "Cancel a pending or running task"}, t.cancelTask)
	sdk.AddTool(s, &sdk.Tool{Name: "retry_task", Description: "Requeue a failed task"}, t.retryTask)
	sdk.AddTool(s, &sdk.Tool{Name: "queue_status", Description: "Queue counts and pause state"}, t.queueStatus)
	sdk.AddTool(s, &sdk.Tool{Name: "list_duplicates", Description: "List duplicate note pairs"}, t.listDuplicates)
	sdk.AddTool(s, &sdk.Tool{Name: "dismiss_duplicate", Description: "Mark a duplicate pair as not a duplicate"}, t.dismissDuplicate)
	sdk.AddTool(s, &sdk.Tool{Name: "merge_duplicate", Description: "Queue a merge of a duplicate pair"}, t.mergeDuplicate)
	sdk.AddTool(s, &sdk.Tool{Name: "list_snapshots", Description: "List undo snapshots"}, t.listSnapshots)
	sdk.AddTool(s, &sdk.Tool{Name: "restore_snapshot", Description: "Restore a note from an undo snapshot"}, t.restoreSnapshot)
	return s
}

// Serve runs the server on stdio until the client disconnects or ctx ends.
func Serve(ctx context.Context, api API, version string, logger *zap.Logger) error {
	return NewServer(api, version, logger).Run(ctx, &sdk.StdioTransport{})
}

type tools struct {
	api    API
	logger *zap.Logger
}

// reply renders v as the tool's JSON text content. API errors become tool
// errors so the model sees them instead of a protocol failure.
func (t *tools) reply(tool string, v any, err error) (*sdk.CallToolResult, any, error) {
	if err != nil {
		t.logger.Debug("tool failed", zap.String("tool", tool), zap.Error(err))
		return &sdk.CallToolResult{
			IsError: true,
			Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
		}, nil, nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(data)}}}, nil, nil
}

func (t *tools) enqueue(ctx context.Context, _ *sdk.CallToolRequest, in EnqueueArgs) (*sdk.CallToolResult, any, error) {
	var payload json.RawMessage
	if in.Payload != nil {
		data, err := json.Marshal(in.Payload)
		if err != nil {
			return t.reply("enqueue_task", nil, fmt.Errorf("encode payload: %w", err))
		}
		payload = data
	}
	task, err := t.api.Enqueue(ctx, in.NodeID, models.TaskType(in.Type), payload)
	return t.reply("enqueue_task", task, err)
}

func (t *tools) getTask(ctx context.Context, _ *sdk.CallToolRequest, in IDArgs) (*sdk.CallToolResult, any, error) {
	task, err := t.api.GetTask(ctx, in.ID)
	return t.reply("get_task", task, err)
}

func (t *tools) listTasks(ctx context.Context, _ *sdk.CallToolRequest, in ListTasksArgs) (*sdk.CallToolResult, any, error) {
	tasks, err := t.api.ListTasks(ctx, in.State)
	return t.reply("list_tasks", nonNil(tasks), err)
}

func (t *tools) cancelTask(ctx context.Context, _ *sdk.CallToolRequest, in IDArgs) (*sdk.CallToolResult, any, error) {
	task, err := t.api.CancelTask(ctx, in.ID)
	return t.reply("cancel_task", task, err)
}

func (t *tools) retryTask(ctx context.Context, _ *sdk.CallToolRequest, in IDArgs) (*sdk.CallToolResult, any, error) {
	task, err := t.api.RetryTask(ctx, in.ID)
	return t.reply("retry_task", task, err)
}

func (t *tools) queueStatus(ctx context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
	status, err := t.api.QueueStatus(ctx)
	return t.reply("queue_status", status, err)
}

func (t *tools) listDuplicates(ctx context.Context, _ *sdk.CallToolRequest, in ListDuplicatesArgs) (*sdk.CallToolResult, any, error) {
	pairs, err := t.api.ListDuplicates(ctx, in.Status)
	return t.reply("list_duplicates", nonNil(pairs), err)
}

func (t *tools) dismissDuplicate(ctx context.Context, _ *sdk.CallToolRequest, in IDArgs) (*sdk.CallToolResult, any, error) {
	pair, err := t.api.DismissDuplicate(ctx, in.ID)
	return t.reply("dismiss_duplicate", pair, err)
}

func (t *tools) mergeDuplicate(ctx context.Context, _ *sdk.CallToolRequest, in MergeArgs) (*sdk.CallToolResult, any, error) {
	task, err := t.api.MergeDuplicate(ctx, in.ID, in.KeepNodeID)
	return t.reply("merge_duplicate", task, err)
}

func (t *tools) listSnapshots(ctx context.Context, _ *sdk.CallToolRequest, in ListSnapshotsArgs) (*sdk.CallToolResult, any, error) {
	snaps, err := t.api.ListSnapshots(ctx, in.Path)
	// Contents can be large; the listing only needs identity.
	for i := range snaps {
		snaps[i].Content = ""
	}
	return t.reply("list_snapshots", nonNil(snaps), err)
}

func (t *tools) restoreSnapshot(ctx context.Context, _ *sdk.CallToolRequest, in IDArgs) (*sdk.CallToolResult, any, error) {
	r, err := t.api.RestoreSnapshot(ctx, in.ID)
	if r != nil {
		r.Content = ""
	}
	return t.reply("restore_snapshot", r, err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
