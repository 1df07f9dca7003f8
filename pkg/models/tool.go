package models

import "encoding/json"

// ErrorKind classifies failures for tool results and runner decisions.
// Kinds are behavioral categories, not Go types; see pkg/backend and
// pkg/tools for the sentinels that map onto them.
type ErrorKind string

const (
	// ErrorKindTransientBackend is retried inside the backend adapter
	ErrorKindTransientBackend ErrorKind = "transient_backend"
	// ErrorKindPermanentBackend ends the current turn; repeated occurrences fail the runner
	ErrorKindPermanentBackend ErrorKind = "permanent_backend"
	// ErrorKindTool is an external tool failure returned to the agent
	ErrorKindTool ErrorKind = "tool_error"
	// ErrorKindInvalidCoordinationCall is a rejected new_answer/vote; state unchanged
	ErrorKindInvalidCoordinationCall ErrorKind = "invalid_coordination_call"
	// ErrorKindPolicyViolation is a workspace permission or read-before-delete failure
	ErrorKindPolicyViolation ErrorKind = "policy_violation"
	// ErrorKindSessionClosed is a coordination call after consensus froze the state
	ErrorKindSessionClosed ErrorKind = "session_closed"
	// ErrorKindSessionTimeout is the session wall-clock deadline firing
	ErrorKindSessionTimeout ErrorKind = "session_timeout"
	// ErrorKindCancelled is cooperative cancellation
	ErrorKindCancelled ErrorKind = "cancelled"
	// ErrorKindFatal is an invariant violation; the session aborts with no winner
	ErrorKindFatal ErrorKind = "fatal"
)

// ToolError is the typed error payload carried inside a failed ToolResult.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewToolError builds a ToolError with the given kind and message.
func NewToolError(kind ErrorKind, message string) *ToolError {
	return &ToolError{Kind: kind, Message: message}
}

// ToolCall is one fully-assembled tool invocation from a backend turn.
// Arguments arrive as streamed JSON fragments; the runner accumulates them
// and hands the completed call to the router.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // complete JSON object text
}

// ToolResult is the outcome of routing one ToolCall. External tool failures
// become results with OK=false and a populated Err; they never terminate the
// agent's turn.
type ToolResult struct {
	CallID  string     `json:"call_id"`
	OK      bool       `json:"ok"`
	Content string     `json:"content,omitempty"`
	Err     *ToolError `json:"error,omitempty"`
}

// SideEffectClass declares how an external tool interacts with the world.
// Planning mode defers side_effecting tools during coordination.
type SideEffectClass string

const (
	// SideEffectPure tools only read; always executable
	SideEffectPure SideEffectClass = "pure"
	// SideEffectIdempotent tools may write but repeating them is safe
	SideEffectIdempotent SideEffectClass = "idempotent"
	// SideEffectSideEffecting tools must not run twice; deferred in planning mode
	SideEffectSideEffecting SideEffectClass = "side_effecting"
)

// IsValid checks if the side-effect class is valid
func (c SideEffectClass) IsValid() bool {
	return c == SideEffectPure || c == SideEffectIdempotent || c == SideEffectSideEffecting
}

// ToolDefinition is the canonical provider-agnostic tool descriptor.
// Parameters holds a JSON Schema object; backend adapters translate it to
// whatever shape the underlying provider expects.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	SideEffects SideEffectClass `json:"side_effects,omitempty"`
}

// DeferredCall records a side-effecting tool call intercepted during
// coordination. The winner receives deferred calls as hints in its
// final-presentation prompt.
type DeferredCall struct {
	Agent     string `json:"agent"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
