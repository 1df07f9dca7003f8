package backend

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/models"
)

func testOpenAIChatBackend() *OpenAIChatBackend {
	return &OpenAIChatBackend{
		model:     "gpt-test",
		maxTokens: 128,
		retry:     fastRetry(3),
		logger:    testLogger(),
	}
}

func TestOpenAIChatBuildRequest(t *testing.T) {
	req := testOpenAIChatBackend().buildRequest(TurnRequest{
		SystemPrompt: "be brief",
		Messages: []Message{
			UserMessage("solve it"),
			AssistantMessage("calling a tool", models.ToolCall{ID: "call_1", Name: "list_dir", Arguments: `{"path":"."}`}),
			ToolResultMessage("call_1", `["a.txt"]`, false),
		},
		Tools: []models.ToolDefinition{
			{Name: "list_dir", Description: "list a directory", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})

	assert.Equal(t, "gpt-test", req.Model)
	assert.Equal(t, 128, req.MaxTokens)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)

	assistant := req.Messages[2]
	assert.Equal(t, openai.ChatMessageRoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, openai.ToolTypeFunction, assistant.ToolCalls[0].Type)
	assert.Equal(t, "list_dir", assistant.ToolCalls[0].Function.Name)

	toolMsg := req.Messages[3]
	assert.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "list_dir", req.Tools[0].Function.Name)
}

func TestOpenAIChatToolSchemaFallback(t *testing.T) {
	tools := encodeOpenAITools([]models.ToolDefinition{
		{Name: "broken", Parameters: json.RawMessage(`not json`)},
	})
	require.Len(t, tools, 1)
	assert.Equal(t, map[string]any{"type": "object"}, tools[0].Function.Parameters)
}

func TestMapOpenAIFinish(t *testing.T) {
	assert.Equal(t, StopReasonStop, mapOpenAIFinish("stop"))
	assert.Equal(t, StopReasonToolUse, mapOpenAIFinish("tool_calls"))
	assert.Equal(t, StopReasonLengthLimit, mapOpenAIFinish("length"))
	assert.Equal(t, StopReasonStop, mapOpenAIFinish(""))
}

func TestClassifyOpenAIErr(t *testing.T) {
	throttled := &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"}
	assert.True(t, isTransient(classifyOpenAIErr(throttled)))

	unavailable := &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("down")}
	assert.True(t, isTransient(classifyOpenAIErr(unavailable)))

	badKey := &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
	assert.False(t, isTransient(classifyOpenAIErr(badKey)))
}
