package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/massgen-ai/massgen/pkg/models"
)

func testTools() []models.ToolDefinition {
	return []models.ToolDefinition{
		{
			Name:        "new_answer",
			Description: "Publish your answer.",
			Parameters:  []byte(`{"type":"object","properties":{"content":{"type":"string","description":"The answer"}},"required":["content"]}`),
		},
		{
			Name:        "github.create_issue",
			Description: "Open a GitHub issue.",
			Parameters:  []byte(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
			SideEffects: models.SideEffectSideEffecting,
		},
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	b := NewBuilder("task", "")

	result := b.BuildSystemPrompt("You are a database expert.")
	assert.Contains(t, result, "## Coordination Instructions")
	assert.Contains(t, result, "new_answer")
	assert.Contains(t, result, "## Agent-Specific Instructions")
	assert.Contains(t, result, "You are a database expert.")
}

func TestBuildSystemPrompt_NoAgentInstructions(t *testing.T) {
	b := NewBuilder("task", "")

	result := b.BuildSystemPrompt("")
	assert.Contains(t, result, "## Coordination Instructions")
	assert.NotContains(t, result, "## Agent-Specific Instructions")
}

func TestBuildTurnMessage(t *testing.T) {
	b := NewBuilder("Pick the right index type.", "")
	view := threeAgentView(t)

	result := b.BuildTurnMessage("agent3", view, testTools())

	assert.Contains(t, result, "## Task")
	assert.Contains(t, result, "Pick the right index type.")
	assert.Contains(t, result, "### agent1.1 (by agent1)")
	assert.Contains(t, result, "### agent2.1 (by agent2)")
	assert.Contains(t, result, "## Vote Tally")
	assert.Contains(t, result, "You have not published an answer yet")
	assert.Contains(t, result, "## Available Tools")
	assert.Contains(t, result, "**new_answer**: Publish your answer.")
	assert.Contains(t, result, "## Your Move")
	assert.NotContains(t, result, "## Planning Mode")
}

func TestBuildTurnMessage_PlanningMode(t *testing.T) {
	b := NewBuilder("task", "Plan now; side-effecting tools run after the vote.")
	view := threeAgentView(t)

	result := b.BuildTurnMessage("agent1", view, testTools())
	assert.Contains(t, result, "## Planning Mode")
	assert.Contains(t, result, "Plan now; side-effecting tools run after the vote.")
}

func TestBuildTurnMessage_SectionOrder(t *testing.T) {
	b := NewBuilder("task", "plan first")
	view := threeAgentView(t)

	result := b.BuildTurnMessage("agent1", view, testTools())
	sections := []string{
		"## Task",
		"## Current Answers from Other Agents",
		"## Vote Tally",
		"## Your Current Answer",
		"## Planning Mode",
		"## Available Tools",
		"## Your Move",
	}
	last := -1
	for _, section := range sections {
		idx := strings.Index(result, section)
		assert.Greater(t, idx, last, "section %s out of order", section)
		last = idx
	}
}

func TestBuildFinalMessage(t *testing.T) {
	b := NewBuilder("Pick the right index type.", "plan first")
	winner := models.Answer{Label: "agent1.2", Author: "agent1", Content: "b-tree, see report.md"}
	hints := []models.DeferredCall{
		{Agent: "agent2", Name: "github.create_issue", Arguments: `{"title": "follow-up"}`},
	}

	result := b.BuildFinalMessage(winner, hints, testTools())

	assert.Contains(t, result, "## Task")
	assert.Contains(t, result, "## Winning Answer")
	assert.Contains(t, result, "agent1.2 (by agent1) won the vote")
	assert.Contains(t, result, "## Deferred Tool Calls")
	assert.Contains(t, result, "github.create_issue")
	assert.Contains(t, result, "## Final Presentation")
	assert.NotContains(t, result, "## Current Answers from Other Agents")
	assert.NotContains(t, result, "## Vote Tally")
	assert.NotContains(t, result, "## Planning Mode")
}

func TestBuildFinalMessage_NoHints(t *testing.T) {
	b := NewBuilder("task", "")
	winner := models.Answer{Label: "agent2.1", Author: "agent2", Content: "done"}

	result := b.BuildFinalMessage(winner, nil, testTools())
	assert.NotContains(t, result, "## Deferred Tool Calls")
}

func TestBuildRePrompt(t *testing.T) {
	b := NewBuilder("task", "")

	result := b.BuildRePrompt()
	assert.Contains(t, result, "without a coordination call")
	assert.Contains(t, result, "new_answer")
	assert.Contains(t, result, "vote")
}
