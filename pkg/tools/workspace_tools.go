package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

// Workspace tool names. Like coordination tools these carry no dot, so they
// never collide with MCP server.tool names.
const (
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolListDir    = "list_dir"
	ToolDeleteFile = "delete_file"
)

// sharedPrefix marks read paths that target another agent's latest snapshot
// through the shared view instead of the caller's own work directory.
const sharedPrefix = "shared/"

// workspaceTools defines the built-in filesystem tool set. Reads and lists
// are pure, writes are idempotent (rewriting the same file converges), and
// deletes are side-effecting; only deletes get deferred in planning mode.
var workspaceTools = []models.ToolDefinition{
	{
		Name: ToolReadFile,
		Description: "Read a file from your workspace. Paths under shared/<agent>/ read " +
			"from that agent's latest published snapshot instead.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to your workspace root"}
			},
			"required": ["path"]
		}`),
		SideEffects: models.SideEffectPure,
	},
	{
		Name:        ToolWriteFile,
		Description: "Write a file into your workspace, creating parent directories as needed.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to your workspace root"},
				"content": {"type": "string", "description": "Complete file contents"}
			},
			"required": ["path", "content"]
		}`),
		SideEffects: models.SideEffectIdempotent,
	},
	{
		Name: ToolListDir,
		Description: "List a directory in your workspace. Omit path for the workspace root; " +
			"paths under shared/<agent>/ list that agent's latest published snapshot.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path relative to your workspace root"}
			}
		}`),
		SideEffects: models.SideEffectPure,
	},
	{
		Name: ToolDeleteFile,
		Description: "Delete a file or empty directory from your workspace. Only paths you " +
			"created or read this session can be deleted.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to your workspace root"}
			},
			"required": ["path"]
		}`),
		SideEffects: models.SideEffectSideEffecting,
	},
}

// workspaceToolNames is used for quick lookup when routing tool calls.
var workspaceToolNames = map[string]bool{
	ToolReadFile:   true,
	ToolWriteFile:  true,
	ToolListDir:    true,
	ToolDeleteFile: true,
}

// WorkspaceDefinitions returns the built-in filesystem tool descriptors.
func WorkspaceDefinitions() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, len(workspaceTools))
	copy(defs, workspaceTools)
	return defs
}

// executeWorkspaceTool dispatches one workspace tool call for agent. All
// failures come back as results; nothing here terminates a turn.
func (r *Router) executeWorkspaceTool(agent string, call models.ToolCall) models.ToolResult {
	args, err := parseToolArguments(call.Arguments)
	if err != nil {
		return failure(call.ID, models.ErrorKindTool, fmt.Sprintf("invalid arguments: %s", err))
	}
	path, _ := args["path"].(string)

	switch call.Name {
	case ToolReadFile:
		if path == "" {
			return failure(call.ID, models.ErrorKindTool, "'path' is required")
		}
		var data []byte
		if shared, ok := strings.CutPrefix(path, sharedPrefix); ok {
			data, err = r.workspace.ReadShared(agent, shared)
		} else {
			data, err = r.workspace.ReadFile(agent, path)
		}
		if err != nil {
			return workspaceFailure(call.ID, err)
		}
		return models.ToolResult{CallID: call.ID, OK: true, Content: string(data)}

	case ToolWriteFile:
		if path == "" {
			return failure(call.ID, models.ErrorKindTool, "'path' is required")
		}
		content, ok := args["content"].(string)
		if !ok {
			return failure(call.ID, models.ErrorKindTool, "'content' is required")
		}
		if err := r.workspace.WriteFile(agent, path, []byte(content)); err != nil {
			return workspaceFailure(call.ID, err)
		}
		return models.ToolResult{
			CallID:  call.ID,
			OK:      true,
			Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		}

	case ToolListDir:
		if path == "" {
			path = "."
		}
		var entries []string
		if shared, ok := strings.CutPrefix(path, sharedPrefix); ok {
			entries, err = r.workspace.ListShared(agent, shared)
		} else {
			entries, err = r.workspace.ListDir(agent, path)
		}
		if err != nil {
			return workspaceFailure(call.ID, err)
		}
		content := strings.Join(entries, "\n")
		if content == "" {
			content = "(empty)"
		}
		return models.ToolResult{CallID: call.ID, OK: true, Content: content}

	case ToolDeleteFile:
		if path == "" {
			return failure(call.ID, models.ErrorKindTool, "'path' is required")
		}
		if err := r.workspace.DeleteFile(agent, path); err != nil {
			return workspaceFailure(call.ID, err)
		}
		return models.ToolResult{CallID: call.ID, OK: true, Content: fmt.Sprintf("deleted %s", path)}

	default:
		return failure(call.ID, models.ErrorKindTool, fmt.Sprintf("unknown workspace tool: %s", call.Name))
	}
}

// workspaceFailure maps workspace errors onto tool error kinds: access
// violations are policy violations, everything else is a plain tool error.
func workspaceFailure(callID string, err error) models.ToolResult {
	kind := models.ErrorKindTool
	if errors.Is(err, workspace.ErrPathEscape) ||
		errors.Is(err, workspace.ErrPolicyDenied) ||
		errors.Is(err, workspace.ErrReadBeforeDelete) {
		kind = models.ErrorKindPolicyViolation
	}
	return failure(callID, kind, err.Error())
}
