package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/massgen-ai/massgen/pkg/coordination"
	"github.com/massgen-ai/massgen/pkg/models"
)

// FormatTaskSection builds the task section.
func FormatTaskSection(task string) string {
	var sb strings.Builder
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n")
	return sb.String()
}

// FormatAnswersSection lists the current answer of every other agent, in
// configured agent order. Superseded answers never appear; the view only
// carries each author's latest.
func FormatAnswersSection(agentID string, view coordination.View) string {
	var sb strings.Builder
	sb.WriteString("## Current Answers from Other Agents\n\n")

	found := false
	for _, other := range view.Agents {
		if other == agentID {
			continue
		}
		answer, ok := view.Latest[other]
		if !ok {
			continue
		}
		found = true
		sb.WriteString(fmt.Sprintf("### %s (by %s)\n\n", answer.Label, answer.Author))
		sb.WriteString(answer.Content)
		sb.WriteString("\n\n")
	}
	if !found {
		sb.WriteString("No other agent has published an answer yet.\n")
	}
	return sb.String()
}

// FormatTallySection builds the vote tally, sorted by label for
// deterministic output.
func FormatTallySection(view coordination.View) string {
	var sb strings.Builder
	sb.WriteString("## Vote Tally\n\n")

	tally := view.Tally()
	if len(tally) == 0 {
		sb.WriteString("No votes have been cast yet.\n")
		return sb.String()
	}

	labels := make([]string, 0, len(tally))
	for label := range tally {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		sb.WriteString(fmt.Sprintf("- %s: %d vote(s)\n", label, tally[label]))
	}
	return sb.String()
}

// FormatOwnAnswerSection reminds the agent of its own current answer.
func FormatOwnAnswerSection(agentID string, view coordination.View) string {
	var sb strings.Builder
	sb.WriteString("## Your Current Answer\n\n")

	answer, ok := view.Latest[agentID]
	if !ok {
		sb.WriteString("You have not published an answer yet.\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("You published %s (attempt %d):\n\n", answer.Label, answer.Attempt))
	sb.WriteString(answer.Content)
	sb.WriteString("\n")
	return sb.String()
}

// FormatWinnerSection presents the winning answer in the final-mode prompt.
func FormatWinnerSection(winner models.Answer) string {
	var sb strings.Builder
	sb.WriteString("## Winning Answer\n\n")
	sb.WriteString(fmt.Sprintf("%s (by %s) won the vote:\n\n", winner.Label, winner.Author))
	sb.WriteString(winner.Content)
	sb.WriteString("\n")
	return sb.String()
}

// FormatDeferredCalls lists the side-effecting calls intercepted during
// planning so the winner can replay the ones still needed.
func FormatDeferredCalls(hints []models.DeferredCall) string {
	var sb strings.Builder
	sb.WriteString("## Deferred Tool Calls\n\n")

	if len(hints) == 0 {
		sb.WriteString("No tool calls were deferred during planning.\n")
		return sb.String()
	}

	sb.WriteString("These side-effecting calls were intercepted during planning. ")
	sb.WriteString("Execute the ones that are still needed, skip the rest.\n\n")
	for _, hint := range hints {
		sb.WriteString(fmt.Sprintf("- %s (requested by %s): %s\n", hint.Name, hint.Agent, hint.Arguments))
	}
	return sb.String()
}
