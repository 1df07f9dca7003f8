// Package prompt builds all prompt text for agent runners: the coordination
// protocol system prompt, the per-turn user message rendered from a
// coordination.View, and the final-presentation message for the winner.
package prompt

import (
	"strings"

	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/models"
)

// Builder composes prompt text for one session. Stateless beyond the
// session constants it is constructed with — all per-turn state comes from
// parameters. Safe for concurrent use by every runner.
type Builder struct {
	task                string
	planningInstruction string // empty when planning mode is off
}

// NewBuilder creates a Builder for the session's task. planningInstruction
// is included in every turn message while non-empty.
func NewBuilder(task, planningInstruction string) *Builder {
	return &Builder{task: task, planningInstruction: planningInstruction}
}

// BuildSystemPrompt composes the coordination protocol instructions with the
// agent's configured instructions.
func (b *Builder) BuildSystemPrompt(agentInstructions string) string {
	sections := []string{coordinationInstructions}
	if agentInstructions != "" {
		sections = append(sections, "## Agent-Specific Instructions\n\n"+agentInstructions)
	}
	return strings.Join(sections, "\n\n")
}

// BuildTurnMessage renders the user message for one coordination turn:
// task, the other agents' current answers, the vote tally, the agent's own
// answer, the planning instruction, and the available tools.
func (b *Builder) BuildTurnMessage(agentID string, view coordination.View, tools []models.ToolDefinition) string {
	var sb strings.Builder

	sb.WriteString(FormatTaskSection(b.task))
	sb.WriteString("\n")
	sb.WriteString(FormatAnswersSection(agentID, view))
	sb.WriteString("\n")
	sb.WriteString(FormatTallySection(view))
	sb.WriteString("\n")
	sb.WriteString(FormatOwnAnswerSection(agentID, view))
	sb.WriteString("\n")

	if b.planningInstruction != "" {
		sb.WriteString("## Planning Mode\n\n")
		sb.WriteString(b.planningInstruction)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Available Tools\n\n")
	sb.WriteString(FormatToolDescriptions(tools))
	sb.WriteString("\n\n")
	sb.WriteString(coordinationTask)

	return sb.String()
}

// BuildFinalMessage renders the user message for the winner's final
// presentation turn. The coordination block is replaced by the winning
// answer and the deferred-call hints.
func (b *Builder) BuildFinalMessage(winner models.Answer, hints []models.DeferredCall, tools []models.ToolDefinition) string {
	var sb strings.Builder

	sb.WriteString(FormatTaskSection(b.task))
	sb.WriteString("\n")
	sb.WriteString(FormatWinnerSection(winner))
	sb.WriteString("\n")

	if len(hints) > 0 {
		sb.WriteString(FormatDeferredCalls(hints))
		sb.WriteString("\n")
	}

	sb.WriteString("## Available Tools\n\n")
	sb.WriteString(FormatToolDescriptions(tools))
	sb.WriteString("\n\n")
	sb.WriteString(finalTask)

	return sb.String()
}

// BuildRePrompt returns the follow-up message sent when a turn ended
// without a coordination call.
func (b *Builder) BuildRePrompt() string {
	return rePromptInstruction
}
