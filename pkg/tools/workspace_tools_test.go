package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/models"
)

func workspaceRouter(t *testing.T, agents ...string) *Router {
	t.Helper()
	return NewRouter(RouterDeps{
		Workspace: testWorkspace(t, agents...),
		Ledger:    NewDeferralLedger(),
		Logger:    testLogger(),
	}, nil)
}

func route(t *testing.T, r *Router, agent, tool, args string) models.ToolResult {
	t.Helper()
	result, err := r.Route(context.Background(), agent, models.ToolCall{
		ID: "w1", Name: tool, Arguments: args,
	})
	require.NoError(t, err)
	return result
}

func TestRouter_WorkspaceWriteReadList(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	result := route(t, router, "agent1", ToolWriteFile, `{"path": "notes.md", "content": "draft"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "wrote 5 bytes to notes.md", result.Content)

	result = route(t, router, "agent1", ToolReadFile, `{"path": "notes.md"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "draft", result.Content)

	result = route(t, router, "agent1", ToolWriteFile, `{"path": "src/main.go", "content": "package main"}`)
	assert.True(t, result.OK)

	result = route(t, router, "agent1", ToolListDir, `{}`)
	assert.True(t, result.OK)
	assert.Equal(t, "notes.md\nsrc/", result.Content)

	result = route(t, router, "agent1", ToolListDir, `{"path": "src"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "main.go", result.Content)
}

func TestRouter_WorkspaceListDir_Empty(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	result := route(t, router, "agent1", ToolListDir, `{}`)
	assert.True(t, result.OK)
	assert.Equal(t, "(empty)", result.Content)
}

func TestRouter_WorkspaceDelete(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	route(t, router, "agent1", ToolWriteFile, `{"path": "scratch.txt", "content": "tmp"}`)

	result := route(t, router, "agent1", ToolDeleteFile, `{"path": "scratch.txt"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "deleted scratch.txt", result.Content)

	result = route(t, router, "agent1", ToolReadFile, `{"path": "scratch.txt"}`)
	assert.False(t, result.OK)
}

func TestRouter_WorkspaceDelete_RequiresPriorRead(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	// Planted outside the tool surface, so the agent never read or created it.
	planted := filepath.Join(router.workspace.WorkDir("agent1"), "planted.txt")
	require.NoError(t, os.WriteFile(planted, []byte("x"), 0o644))

	result := route(t, router, "agent1", ToolDeleteFile, `{"path": "planted.txt"}`)
	assert.False(t, result.OK)
	require.NotNil(t, result.Err)
	assert.Equal(t, models.ErrorKindPolicyViolation, result.Err.Kind)

	// Reading it grants delete.
	route(t, router, "agent1", ToolReadFile, `{"path": "planted.txt"}`)
	result = route(t, router, "agent1", ToolDeleteFile, `{"path": "planted.txt"}`)
	assert.True(t, result.OK)
}

func TestRouter_WorkspacePathEscape(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	for _, args := range []string{
		`{"path": "../agent2/secret.txt"}`,
		`{"path": "/etc/passwd"}`,
	} {
		result := route(t, router, "agent1", ToolReadFile, args)
		assert.False(t, result.OK)
		require.NotNil(t, result.Err)
		assert.Equal(t, models.ErrorKindPolicyViolation, result.Err.Kind, "args %s", args)
	}
}

func TestRouter_WorkspaceSharedRead(t *testing.T) {
	router := workspaceRouter(t, "agent1", "agent2")
	ws := router.workspace
	ctx := context.Background()

	require.NoError(t, ws.WriteFile("agent2", "report.md", []byte("# Report")))
	_, err := ws.Snapshot(ctx, "agent2")
	require.NoError(t, err)
	require.NoError(t, ws.RefreshSharedView("agent1"))

	result := route(t, router, "agent1", ToolReadFile, `{"path": "shared/agent2/report.md"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "# Report", result.Content)

	result = route(t, router, "agent1", ToolListDir, `{"path": "shared/agent2"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "report.md", result.Content)
}

func TestRouter_WorkspaceSharedRead_NoSnapshot(t *testing.T) {
	router := workspaceRouter(t, "agent1", "agent2")

	result := route(t, router, "agent1", ToolReadFile, `{"path": "shared/agent2/report.md"}`)
	assert.False(t, result.OK)
	require.NotNil(t, result.Err)
	assert.Equal(t, models.ErrorKindTool, result.Err.Kind)
	assert.Contains(t, result.Err.Message, "no published snapshot")
}

func TestRouter_WorkspaceMissingArguments(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"read without path", ToolReadFile, `{}`},
		{"write without content", ToolWriteFile, `{"path": "a.txt"}`},
		{"delete without path", ToolDeleteFile, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := route(t, router, "agent1", tt.tool, tt.args)
			assert.False(t, result.OK)
			require.NotNil(t, result.Err)
			assert.Equal(t, models.ErrorKindTool, result.Err.Kind)
		})
	}
}

func TestRouter_WorkspaceKeyValueArguments(t *testing.T) {
	router := workspaceRouter(t, "agent1")

	// Some providers emit loosely formatted arguments; the tolerant parser
	// still extracts the fields.
	result := route(t, router, "agent1", ToolWriteFile, "path: notes.md\ncontent: hello")
	assert.True(t, result.OK)

	result = route(t, router, "agent1", ToolReadFile, `{"path": "notes.md"}`)
	assert.True(t, result.OK)
	assert.Equal(t, "hello", result.Content)
}
