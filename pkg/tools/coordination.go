// Package tools routes completed tool calls from agent runners to their
// executors: coordination tools mutate session state through the
// orchestrator, workspace tools operate on the calling agent's directory
// tree, and everything else goes out over MCP.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/mcp"
	"github.com/massgen-ai/massgen/pkg/models"
)

// Coordination tool names. Plain names (no dots) — naturally separated from
// MCP tools which use server.tool format.
const (
	ToolNewAnswer = "new_answer"
	ToolVote      = "vote"
)

// coordinationTools defines the tool set every agent gets during
// coordination. The final-presentation turn does not offer them.
var coordinationTools = []models.ToolDefinition{
	{
		Name: ToolNewAnswer,
		Description: "Publish your answer to the task, superseding any previous answer of yours. " +
			"Your workspace is snapshotted alongside, so produce files before calling this. " +
			"Votes cast for your superseded answer are discarded.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "The complete answer text"}
			},
			"required": ["content"],
			"additionalProperties": false
		}`),
	},
	{
		Name: ToolVote,
		Description: "Vote for another agent's current answer by its label (for example agent2.1). " +
			"Replaces your previous vote. You cannot vote for your own answer.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"target": {"type": "string", "description": "Label of the answer being endorsed"},
				"reason": {"type": "string", "description": "Short justification for the vote"}
			},
			"required": ["target", "reason"],
			"additionalProperties": false
		}`),
	},
}

// coordinationToolNames is used for quick lookup when routing tool calls.
var coordinationToolNames = map[string]bool{
	ToolNewAnswer: true,
	ToolVote:      true,
}

// CoordinationDefinitions returns the coordination tool descriptors offered
// to agents during coordination turns.
func CoordinationDefinitions() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, len(coordinationTools))
	copy(defs, coordinationTools)
	return defs
}

// ApplyKind discriminates coordination mutations sent to the orchestrator.
type ApplyKind string

const (
	ApplyNewAnswer ApplyKind = "new_answer"
	ApplyVote      ApplyKind = "vote"
)

// ApplyRequest asks the orchestrator loop to mutate coordination state on
// the router's behalf. All mutation stays on the orchestrator goroutine;
// the router only ever waits on Reply.
type ApplyRequest struct {
	Agent string
	Kind  ApplyKind

	// new_answer fields
	Content    string
	SnapshotID string

	// vote fields
	Target string
	Reason string

	// Reply must be buffered (capacity 1) so the orchestrator loop never
	// blocks on a router that gave up waiting.
	Reply chan ApplyReply
}

// ApplyReply carries the applied mutation or its typed rejection.
type ApplyReply struct {
	Answer models.Answer
	Vote   models.Vote
	Err    error
}

// executeCoordinationTool validates the call, takes a workspace snapshot for
// new_answer, and round-trips the mutation through the orchestrator loop.
func (r *Router) executeCoordinationTool(ctx context.Context, agent string, call models.ToolCall) (models.ToolResult, error) {
	req := ApplyRequest{Agent: agent, Reply: make(chan ApplyReply, 1)}

	switch call.Name {
	case ToolNewAnswer:
		args, err := validateArgs(newAnswerSchema, call.Arguments)
		if err != nil {
			return invalidCall(call.ID, err), nil
		}
		content, _ := args["content"].(string)

		// Snapshot outside the orchestrator loop: copying trees is slow I/O
		// and must not stall other agents' mutations. A snapshot orphaned by
		// a rejected answer is swept by retention.
		snapshotID, err := r.workspace.Snapshot(ctx, agent)
		if err != nil {
			if ctx.Err() != nil {
				return models.ToolResult{}, ctx.Err()
			}
			return failure(call.ID, models.ErrorKindTool, fmt.Sprintf("failed to snapshot workspace: %s", err)), nil
		}

		req.Kind = ApplyNewAnswer
		req.Content = content
		req.SnapshotID = snapshotID

	case ToolVote:
		args, err := validateArgs(voteSchema, call.Arguments)
		if err != nil {
			return invalidCall(call.ID, err), nil
		}
		req.Kind = ApplyVote
		req.Target, _ = args["target"].(string)
		req.Reason, _ = args["reason"].(string)

	default:
		return failure(call.ID, models.ErrorKindInvalidCoordinationCall,
			fmt.Sprintf("unknown coordination tool: %s", call.Name)), nil
	}

	select {
	case r.apply <- req:
	case <-ctx.Done():
		return models.ToolResult{}, ctx.Err()
	}

	select {
	case reply := <-req.Reply:
		if reply.Err == nil {
			r.recordOutcome(agent, Outcome{Kind: req.Kind, Answer: reply.Answer, Vote: reply.Vote})
		}
		return r.coordinationResult(call, req.Kind, reply), nil
	case <-ctx.Done():
		return models.ToolResult{}, ctx.Err()
	}
}

// Outcome is the structured record of a successful coordination call. The
// runner consumes it right after the tool result to build its runner event;
// the formatted ToolResult alone is what the model sees.
type Outcome struct {
	Kind   ApplyKind
	Answer models.Answer
	Vote   models.Vote
}

func (r *Router) recordOutcome(agent string, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[agent] = o
}

// TakeOutcome returns and clears the outcome of agent's most recent
// successful coordination call.
func (r *Router) TakeOutcome(agent string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[agent]
	delete(r.outcomes, agent)
	return o, ok
}

// coordinationResult translates an ApplyReply into the agent-visible result.
func (r *Router) coordinationResult(call models.ToolCall, kind ApplyKind, reply ApplyReply) models.ToolResult {
	if reply.Err != nil {
		return failure(call.ID, classifyCoordinationError(reply.Err), reply.Err.Error())
	}
	switch kind {
	case ApplyNewAnswer:
		return models.ToolResult{
			CallID:  call.ID,
			OK:      true,
			Content: fmt.Sprintf("answer published as %s", reply.Answer.Label),
		}
	default:
		return models.ToolResult{
			CallID:  call.ID,
			OK:      true,
			Content: fmt.Sprintf("vote recorded for %s", reply.Vote.TargetLabel),
		}
	}
}

// classifyCoordinationError maps coordination sentinels onto tool error
// kinds the runner understands.
func classifyCoordinationError(err error) models.ErrorKind {
	switch {
	case errors.Is(err, coordination.ErrSessionClosed):
		return models.ErrorKindSessionClosed
	case errors.Is(err, coordination.ErrInvalidVoteTarget),
		errors.Is(err, coordination.ErrSelfVote),
		errors.Is(err, coordination.ErrMaxAttempts),
		errors.Is(err, coordination.ErrUnknownAgent):
		return models.ErrorKindInvalidCoordinationCall
	default:
		return models.ErrorKindInvalidCoordinationCall
	}
}

// invalidCall is the result for arguments that failed schema validation.
func invalidCall(callID string, err error) models.ToolResult {
	return failure(callID, models.ErrorKindInvalidCoordinationCall,
		fmt.Sprintf("invalid arguments: %s", err))
}

// failure builds a failed ToolResult.
func failure(callID string, kind models.ErrorKind, message string) models.ToolResult {
	return models.ToolResult{
		CallID: callID,
		OK:     false,
		Err:    models.NewToolError(kind, message),
	}
}

// parseToolArguments applies the tolerant argument cascade shared with the
// MCP executor, so coordination and workspace tools accept the same sloppy
// inputs external tools do.
func parseToolArguments(raw string) (map[string]any, error) {
	return mcp.ParseArguments(raw)
}
