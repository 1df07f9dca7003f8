// Package backend adapts provider streaming APIs to a single canonical
// turn contract. Each adapter translates the canonical conversation into
// its provider's wire format, streams the reply back as Event values, and
// retries transient failures internally as long as nothing has been
// emitted downstream.
package backend

import (
	"context"

	"github.com/massgen-ai/massgen/pkg/models"
)

// Role identifies who authored a canonical conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a single tool call back to the model.
	RoleTool Role = "tool"
)

// Message is one entry of the canonical conversation. Assistant messages
// may carry tool calls alongside text; tool messages answer exactly one
// call, identified by ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []models.ToolCall
	ToolCallID string
	ToolErr    bool
}

// UserMessage builds a canonical user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a canonical assistant message, optionally with
// the tool calls the assistant issued in that turn.
func AssistantMessage(content string, calls ...models.ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage builds the canonical reply to one tool call.
func ToolResultMessage(callID, content string, isErr bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolErr: isErr}
}

// TurnRequest describes one model turn: the full conversation so far plus
// the tools the model may call.
type TurnRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []models.ToolDefinition
	MaxTokens    int
}

// defaultMaxTokens is used when neither the turn nor the backend
// configuration caps generation length.
const defaultMaxTokens = 4096

func effectiveMaxTokens(reqMax, cfgMax int) int {
	if reqMax > 0 {
		return reqMax
	}
	if cfgMax > 0 {
		return cfgMax
	}
	return defaultMaxTokens
}

// Backend streams model turns. Implementations retry transient provider
// failures internally; once the retry budget is exhausted, or a failure
// happens after events were already delivered, the stream ends with
// TurnEnd{Reason: StopReasonError}.
type Backend interface {
	// StreamTurn starts one turn and returns its event channel. The
	// channel is closed after the terminal TurnEnd. Cancelling ctx stops
	// the turn; the adapter still closes the channel.
	StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error)
}
