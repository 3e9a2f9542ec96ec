// Package mcpserver registers MCP tools that expose the sync engine's
// status and controls. It adapts the syncmgr package to the MCP SDK's
// tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/syncmgr"
)

// RegisterTools adds all sync tools to the given MCP server. def supplies
// the account and tree used when a call does not name one.
func RegisterTools(server *mcp.Server, m *syncmgr.Manager, def state.Pipeline) {
	t := &tools{m: m, def: def}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the sync state of an account: idle, pulling, pushing or paused (with the reason), the number of nodes syncing, and per-tree queue counts and pull history.",
	}, t.status)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_pause",
		Description: "Pause uploads for an account. Pulls continue. With abort, uploads in flight are interrupted and stay queued.",
	}, t.pause)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_resume",
		Description: "Resume uploads for an account and clear a recorded credential failure.",
	}, t.resume)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Start a pull and a queue drain for every tree of an account. Optionally reset stuck operations first so they are retried.",
	}, t.syncNow)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_list",
		Description: "List queued cloud operations for a tree in upload order, with status, fail counters and last error.",
	}, t.queueList)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tree_list",
		Description: "List the children of a path in the local treesystem, such as /home or /home/docs. Shows whether each node has been uploaded and whether it has queued changes.",
	}, t.treeList)
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// AccountInput names an account.
type AccountInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"account to act on, defaults to the local user"`
}

// PauseInput holds parameters for sync_pause.
type PauseInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"account to act on, defaults to the local user"`
	Abort  bool   `json:"abort,omitempty" jsonschema:"interrupt uploads in flight"`
}

// SyncNowInput holds parameters for sync_now.
type SyncNowInput struct {
	UserID     string `json:"user_id,omitempty" jsonschema:"account to act on, defaults to the local user"`
	RetryStuck bool   `json:"retry_stuck,omitempty" jsonschema:"reset stuck operations before draining"`
}

// QueueInput holds parameters for queue_list.
type QueueInput struct {
	UserID    string `json:"user_id,omitempty" jsonschema:"account, defaults to the local user"`
	TreeID    string `json:"tree_id,omitempty" jsonschema:"tree, defaults to the configured tree"`
	StuckOnly bool   `json:"stuck_only,omitempty" jsonschema:"only list operations that stopped retrying"`
}

// TreeInput holds parameters for tree_list.
type TreeInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"account, defaults to the local user"`
	TreeID string `json:"tree_id,omitempty" jsonschema:"tree, defaults to the configured tree"`
	Path   string `json:"path,omitempty" jsonschema:"directory path starting with a trunk name, defaults to /home"`
}

// --- Results ---

// ControlResult reports an account's state after a control call.
type ControlResult struct {
	UserID      string   `json:"user_id"`
	State       string   `json:"state"`
	PauseReason string   `json:"pause_reason,omitempty"`
	Trees       []string `json:"trees,omitempty"`
	Retried     int      `json:"retried,omitempty"`
}

// QueueResult lists queued operations.
type QueueResult struct {
	UserID     string               `json:"user_id"`
	TreeID     string               `json:"tree_id"`
	Operations []syncmgr.QueueEntry `json:"operations"`
}

// TreeResult lists a directory.
type TreeResult struct {
	Path    string              `json:"path"`
	Entries []syncmgr.TreeEntry `json:"entries"`
}

type tools struct {
	m   *syncmgr.Manager
	def state.Pipeline
}

func (t *tools) user(id string) string {
	if id == "" {
		return t.def.UserID
	}

	return id
}

func (t *tools) pipeline(user, tree string) state.Pipeline {
	p := state.Pipeline{UserID: t.user(user), TreeID: tree}
	if p.TreeID == "" {
		p.TreeID = t.def.TreeID
	}

	return p
}

func (t *tools) control(user string) *ControlResult {
	st := t.m.State(user)

	res := &ControlResult{UserID: user, State: st.String()}
	if st == syncmgr.StatePaused {
		res.PauseReason = t.m.PauseReason(user)
	}

	return res
}

// --- Handlers ---

// status and queueList carry timestamps, so they return text content only
// and declare no output schema.
func (t *tools) status(_ context.Context, _ *mcp.CallToolRequest, input AccountInput) (*mcp.CallToolResult, any, error) {
	st, err := t.m.Status(t.user(input.UserID))
	if err != nil {
		return nil, nil, err
	}

	return textResult(st), nil, nil
}

func (t *tools) pause(_ context.Context, _ *mcp.CallToolRequest, input PauseInput) (*mcp.CallToolResult, *ControlResult, error) {
	user := t.user(input.UserID)
	t.m.Pause(user, input.Abort)

	res := t.control(user)

	return textResult(res), res, nil
}

func (t *tools) resume(_ context.Context, _ *mcp.CallToolRequest, input AccountInput) (*mcp.CallToolResult, *ControlResult, error) {
	user := t.user(input.UserID)
	t.m.Resume(user)

	res := t.control(user)

	return textResult(res), res, nil
}

func (t *tools) syncNow(_ context.Context, _ *mcp.CallToolRequest, input SyncNowInput) (*mcp.CallToolResult, *ControlResult, error) {
	user := t.user(input.UserID)

	var (
		trees   []string
		retried int
	)

	for _, p := range t.m.Pipelines() {
		if p.UserID != user {
			continue
		}

		if input.RetryStuck {
			n, err := t.m.RetryStuck(p)
			if err != nil {
				return nil, nil, fmt.Errorf("retrying stuck operations of %s: %w", p.TreeID, err)
			}

			retried += n
		}

		t.m.TriggerPull(p)
		t.m.TriggerPush(p)

		trees = append(trees, p.TreeID)
	}

	if len(trees) == 0 {
		return nil, nil, fmt.Errorf("no trees registered for %q", user)
	}

	res := t.control(user)
	res.Trees = trees
	res.Retried = retried

	return textResult(res), res, nil
}

func (t *tools) queueList(_ context.Context, _ *mcp.CallToolRequest, input QueueInput) (*mcp.CallToolResult, any, error) {
	p := t.pipeline(input.UserID, input.TreeID)

	ops, err := syncmgr.QueueEntries(t.m.DB, p, input.StuckOnly)
	if err != nil {
		return nil, nil, err
	}

	if ops == nil {
		ops = []syncmgr.QueueEntry{}
	}

	res := &QueueResult{UserID: p.UserID, TreeID: p.TreeID, Operations: ops}

	return textResult(res), nil, nil
}

func (t *tools) treeList(_ context.Context, _ *mcp.CallToolRequest, input TreeInput) (*mcp.CallToolResult, *TreeResult, error) {
	p := t.pipeline(input.UserID, input.TreeID)

	path := input.Path
	if path == "" {
		path = "/home"
	}

	entries, err := syncmgr.TreeEntries(t.m.DB, p, path)
	if err != nil {
		return nil, nil, err
	}

	if entries == nil {
		entries = []syncmgr.TreeEntry{}
	}

	res := &TreeResult{Path: path, Entries: entries}

	return textResult(res), res, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
