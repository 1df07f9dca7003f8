package backend

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/models"
)

func TestEncodeAnthropicMessagesRoles(t *testing.T) {
	msgs, err := encodeAnthropicMessages([]Message{
		UserMessage("solve it"),
		AssistantMessage("here is my answer"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
}

func TestEncodeAnthropicMessagesToolRoundTrip(t *testing.T) {
	msgs, err := encodeAnthropicMessages([]Message{
		UserMessage("write two files"),
		AssistantMessage("on it",
			models.ToolCall{ID: "call_1", Name: "write_file", Arguments: `{"path":"a"}`},
			models.ToolCall{ID: "call_2", Name: "write_file", Arguments: `{"path":"b"}`},
		),
		ToolResultMessage("call_1", "ok", false),
		ToolResultMessage("call_2", "disk full", true),
		AssistantMessage("one failed"),
	})
	require.NoError(t, err)

	// Both tool results collapse into a single user message between the
	// assistant turns.
	require.Len(t, msgs, 4)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 3)
	require.NotNil(t, msgs[1].Content[1].OfToolUse)
	assert.Equal(t, "call_1", msgs[1].Content[1].OfToolUse.ID)
	assert.Equal(t, "write_file", msgs[1].Content[1].OfToolUse.Name)

	assert.Equal(t, sdk.MessageParamRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	require.NotNil(t, msgs[2].Content[0].OfToolResult)
	assert.Equal(t, "call_1", msgs[2].Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.Equal(t, "call_2", msgs[2].Content[1].OfToolResult.ToolUseID)

	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[3].Role)
}

func TestEncodeAnthropicMessagesRejectsUnknownRole(t *testing.T) {
	_, err := encodeAnthropicMessages([]Message{{Role: "narrator", Content: "meanwhile"}})
	assert.Error(t, err)
}

func TestEncodeAnthropicTools(t *testing.T) {
	tools, err := encodeAnthropicTools([]models.ToolDefinition{
		{
			Name:        "new_answer",
			Description: "publish an answer",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"}}}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "new_answer", tools[0].OfTool.Name)
	assert.Equal(t, "object", tools[0].OfTool.InputSchema.ExtraFields["type"])
}

func TestMapAnthropicStop(t *testing.T) {
	assert.Equal(t, StopReasonStop, mapAnthropicStop("end_turn"))
	assert.Equal(t, StopReasonToolUse, mapAnthropicStop("tool_use"))
	assert.Equal(t, StopReasonLengthLimit, mapAnthropicStop("max_tokens"))
	assert.Equal(t, StopReasonStop, mapAnthropicStop(""))
}
