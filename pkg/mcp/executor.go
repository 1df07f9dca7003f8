package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/masking"
	"github.com/massgen-ai/massgen/pkg/models"
)

// Executor runs external tool calls against MCP servers and exposes their
// tools as canonical definitions. Tool names are namespaced "server.tool".
type Executor struct {
	client   *Client
	registry *config.ToolServerRegistry

	serverIDs []string

	// allowedTools restricts which namespaced tool names an agent may see
	// and call. Empty means no restriction.
	allowedTools []string

	masker *masking.Masker

	logger *slog.Logger
}

// NewExecutor creates an executor over the given servers. allowedTools may
// be nil to expose everything the servers offer; masker may be nil to skip
// credential masking.
func NewExecutor(client *Client, registry *config.ToolServerRegistry, serverIDs []string, allowedTools []string, masker *masking.Masker, logger *slog.Logger) *Executor {
	return &Executor{
		client:       client,
		registry:     registry,
		serverIDs:    serverIDs,
		allowedTools: allowedTools,
		masker:       masker,
		logger:       logger.With("component", "mcp_executor"),
	}
}

// Execute runs one external tool call. Failures come back as a ToolResult
// with OK=false; the Go error return is reserved for context cancellation.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	name := NormalizeToolName(call.Name)

	serverID, toolName, err := e.resolveToolCall(name)
	if err != nil {
		return toolFailure(call.ID, models.ErrorKindTool, err.Error()), nil
	}

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return toolFailure(call.ID, models.ErrorKindTool, fmt.Sprintf("failed to parse tool arguments: %s", err)), nil
	}

	result, err := e.client.CallTool(ctx, serverID, toolName, args)
	if err != nil {
		if ctx.Err() != nil {
			return models.ToolResult{}, ctx.Err()
		}
		return toolFailure(call.ID, models.ErrorKindTool, fmt.Sprintf("tool execution failed: %s", err)), nil
	}

	content := extractTextContent(result)
	// Mask before truncation: a cut can split a secret.
	content = TruncateResult(e.masker.Mask(content))
	if result.IsError {
		return toolFailure(call.ID, models.ErrorKindTool, content), nil
	}
	return models.ToolResult{CallID: call.ID, OK: true, Content: content}, nil
}

// ListTools returns canonical definitions for every tool the configured
// servers expose, with side-effect classes resolved from configuration.
// Servers that fail to answer are skipped; partial lists are better than
// none.
func (e *Executor) ListTools(ctx context.Context) ([]models.ToolDefinition, error) {
	var defs []models.ToolDefinition

	for _, serverID := range e.serverIDs {
		serverCfg, _ := e.registry.Get(serverID)

		tools, err := e.client.ListTools(ctx, serverID)
		if err != nil {
			e.logger.Warn("failed to list tools from server", "server", serverID, "error", err)
			continue
		}

		for _, tool := range tools {
			name := fmt.Sprintf("%s.%s", serverID, tool.Name)
			if len(e.allowedTools) > 0 && !slices.Contains(e.allowedTools, name) {
				continue
			}
			// Servers absent from the registry keep the conservative
			// default class.
			sideEffects := models.SideEffectSideEffecting
			if serverCfg != nil {
				sideEffects = serverCfg.ClassifyTool(tool.Name)
			}
			defs = append(defs, models.ToolDefinition{
				Name:        name,
				Description: tool.Description,
				Parameters:  marshalSchema(tool.InputSchema),
				SideEffects: sideEffects,
			})
		}
	}

	return defs, nil
}

// Close releases MCP transports and any stdio child processes.
func (e *Executor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// resolveToolCall validates a namespaced tool name against the executor's
// configuration.
func (e *Executor) resolveToolCall(name string) (serverID, toolName string, err error) {
	serverID, toolName, err = SplitToolName(name)
	if err != nil {
		return "", "", err
	}

	if !slices.Contains(e.serverIDs, serverID) {
		return "", "", fmt.Errorf(
			"tool server %q is not available in this session; available servers: %s",
			serverID, strings.Join(e.serverIDs, ", "))
	}

	if len(e.allowedTools) > 0 && !slices.Contains(e.allowedTools, name) {
		return "", "", fmt.Errorf("tool %q is not allowed for this agent", name)
	}

	return serverID, toolName, nil
}

func toolFailure(callID string, kind models.ErrorKind, message string) models.ToolResult {
	return models.ToolResult{
		CallID: callID,
		OK:     false,
		Err:    models.NewToolError(kind, message),
	}
}

// extractTextContent concatenates the text items of an MCP result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema serializes a tool's input schema for the canonical
// definition. A nil or unmarshalable schema becomes an empty object so
// every provider accepts the definition.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
