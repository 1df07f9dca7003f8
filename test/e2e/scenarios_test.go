package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/tools"
)

// TestThreeAgentConvergence drives three agents to consensus through the
// whole stack. agent-1 drafts in its workspace and publishes, agent-2
// reads agent-1's published file through the shared view before answering,
// agent-3 only votes. Everyone converges on agent-2's answer.
func TestThreeAgentConvergence(t *testing.T) {
	agents, refs := defaultAgents(3)
	scripts := map[string]*backend.ScriptedBackend{
		refs[0]: scriptedConversation(func(call int, conv string) backend.ScriptedTurn {
			switch {
			case call == 0:
				return backend.ToolTurn(externalCall("a1-write", tools.ToolWriteFile,
					`{"path": "notes.md", "content": "caching beats recomputation"}`))
			case strings.Contains(conv, "### agent2.1"):
				return backend.ToolTurn(voteCall("a1-vote", "agent2.1", "builds on my notes"))
			case strings.Contains(conv, "wrote 27 bytes"):
				return backend.ToolTurn(newAnswerCall("a1-answer", "explain X via caching"))
			default:
				return backend.HangTurn()
			}
		}),
		refs[1]: scriptedConversation(func(call int, conv string) backend.ScriptedTurn {
			switch {
			case strings.Contains(conv, "## Final Presentation"):
				return backend.TextTurn("X, explained end to end")
			case strings.Contains(conv, "caching beats recomputation"):
				// The shared-view read came back; publish.
				return backend.ToolTurn(newAnswerCall("a2-answer", "explain X thoroughly"))
			case strings.Contains(conv, "### agent1.1"):
				return backend.ToolTurn(externalCall("a2-read", tools.ToolReadFile,
					`{"path": "shared/agent-1/notes.md"}`))
			default:
				return backend.HangTurn()
			}
		}),
		refs[2]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if strings.Contains(msg, "### agent2.1") {
				return backend.ToolTurn(voteCall("a3-vote", "agent2.1", "most complete"))
			}
			return backend.HangTurn()
		}),
	}

	h := newHarness(t, Options{Agents: agents, Scripts: scripts})
	ctx := context.Background()
	id, outcome, evs := h.Run(ctx, "explain X")

	require.NotNil(t, outcome)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason)
	assert.Equal(t, "agent2.1", outcome.Winner.Label)
	assert.Equal(t, "agent-2", outcome.Winner.Author)
	assert.Equal(t, "X, explained end to end", outcome.FinalContent)

	requireStreamInvariants(t, evs)

	// agent-2 collected both other votes.
	consensus := payload[events.ConsensusReachedPayload](t, oneEvent(t, evs, events.TypeConsensusReached))
	assert.Equal(t, "agent2.1", consensus.WinnerLabel)
	assert.Equal(t, 2, consensus.Tally["agent2.1"])

	// Per-agent causal order: agent-1 wrote, published, then voted.
	var a1Types []events.EventType
	for _, ev := range evs {
		if ev.AgentID == "agent-1" {
			switch ev.Type {
			case events.TypeToolCallObserved, events.TypeAnswerPublished, events.TypeVoteCast:
				a1Types = append(a1Types, ev.Type)
			}
		}
	}
	assert.Equal(t, []events.EventType{
		events.TypeToolCallObserved, // write_file
		events.TypeToolCallObserved, // new_answer
		events.TypeAnswerPublished,
		events.TypeToolCallObserved, // vote
		events.TypeVoteCast,
	}, a1Types)

	// The store mirrors the result.
	sess, err := h.Store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, "agent2.1", sess.WinnerLabel)

	detail, err := h.Store.GetSessionDetail(ctx, id)
	require.NoError(t, err)
	assert.Len(t, detail.Votes, 2)

	// The journal on disk covers the whole stream.
	data, err := os.ReadFile(filepath.Join(h.Cfg.Session.WorkspaceRoot, id, "log", "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), string(events.TypeConsensusReached))

	// The winner's file tree survived into final/.
	assert.DirExists(t, filepath.Join(h.Cfg.Session.WorkspaceRoot, id, "final", "agent2.final"))
}

// TestSupersessionInvalidatesVote reruns the classic churn: a vote lands
// on agent1.1, agent-1 revises, and the vote dies with the old answer in
// the same generation.
func TestSupersessionInvalidatesVote(t *testing.T) {
	agents, refs := defaultAgents(2)
	scripts := map[string]*backend.ScriptedBackend{
		refs[0]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("the revised answer")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-v1", "first draft"))
			case strings.Contains(msg, "- agent1.1: 1 vote(s)"):
				return backend.ToolTurn(newAnswerCall("a1-v2", "second draft"))
			default:
				return backend.HangTurn()
			}
		}),
		refs[1]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "### agent1.2"):
				return backend.ToolTurn(voteCall("a2-v2", "agent1.2", "better"))
			case strings.Contains(msg, "### agent1.1"):
				return backend.ToolTurn(voteCall("a2-v1", "agent1.1", "fine"))
			default:
				return backend.HangTurn()
			}
		}),
	}

	h := newHarness(t, Options{Agents: agents, Scripts: scripts})
	ctx := context.Background()
	id, outcome, evs := h.Run(ctx, "draft and revise")

	require.NotNil(t, outcome.Winner)
	assert.Equal(t, "agent1.2", outcome.Winner.Label)
	requireStreamInvariants(t, evs)

	// The superseding answer and the invalidation share one event (and so
	// one generation).
	var superseding *events.AnswerPublishedPayload
	for _, ev := range ofType(evs, events.TypeAnswerPublished) {
		p := payload[events.AnswerPublishedPayload](t, ev)
		if p.Label == "agent1.2" {
			superseding = &p
		}
	}
	require.NotNil(t, superseding)
	assert.Equal(t, []string{"agent-2"}, superseding.InvalidatedVoters)

	// Only the current vote survives in the store; agent1.1 stays in the
	// answers list but is no longer anyone's target.
	detail, err := h.Store.GetSessionDetail(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.Votes, 1)
	assert.Equal(t, "agent1.2", detail.Votes[0].TargetLabel)
	labels := make([]string, 0, len(detail.Answers))
	for _, a := range detail.Answers {
		labels = append(labels, a.Label)
	}
	assert.ElementsMatch(t, []string{"agent1.1", "agent1.2"}, labels)
}

// TestMutualVoteTieBreak pins the stale-answer tie-break: two agents each
// hold one vote, so the earlier answer wins.
func TestMutualVoteTieBreak(t *testing.T) {
	agents, refs := defaultAgents(2)
	scripts := map[string]*backend.ScriptedBackend{
		refs[0]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("the senior answer")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-answer", "first in"))
			case strings.Contains(msg, "### agent2.1"):
				return backend.ToolTurn(voteCall("a1-vote", "agent2.1", "solid too"))
			default:
				return backend.HangTurn()
			}
		}),
		// agent-2 publishes only after it has seen agent1.1, fixing the
		// created_at order the tie-break depends on.
		refs[1]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "- agent1.1: 1 vote(s)"):
				return backend.ToolTurn(voteCall("a2-vote", "agent1.1", "came first, equally good"))
			case strings.Contains(msg, "### agent1.1"):
				return backend.ToolTurn(newAnswerCall("a2-answer", "second in"))
			default:
				return backend.HangTurn()
			}
		}),
	}

	h := newHarness(t, Options{Agents: agents, Scripts: scripts})
	_, outcome, evs := h.Run(context.Background(), "tie break")

	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason)
	assert.Equal(t, "agent1.1", outcome.Winner.Label, "earliest answer wins a 1-1 tie")
	assert.Equal(t, "the senior answer", outcome.FinalContent)

	requireStreamInvariants(t, evs)
	consensus := payload[events.ConsensusReachedPayload](t, oneEvent(t, evs, events.TypeConsensusReached))
	assert.Equal(t, 1, consensus.Tally["agent1.1"])
	assert.Equal(t, 1, consensus.Tally["agent2.1"])
}

// TestAgentFailureShrinksLiveSet exercises a permanently failing backend:
// the runner burns its failure budget, the agent is marked Failed, and the
// two survivors still reach consensus normally.
func TestAgentFailureShrinksLiveSet(t *testing.T) {
	agents, refs := defaultAgents(3)
	scripts := map[string]*backend.ScriptedBackend{
		refs[0]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("delivered without agent-3")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-answer", "the survivor answer"))
			default:
				return backend.HangTurn()
			}
		}),
		refs[1]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if strings.Contains(msg, "### agent1.1") {
				return backend.ToolTurn(voteCall("a2-vote", "agent1.1", "works for me"))
			}
			return backend.HangTurn()
		}),
		refs[2]: scriptedAgent(func(int, string) backend.ScriptedTurn {
			return backend.ErrorTurn(errors.New("backend permanently down"))
		}),
	}

	h := newHarness(t, Options{Agents: agents, Scripts: scripts})
	_, outcome, evs := h.Run(context.Background(), "survive a failure")

	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason,
		"two live agents converge; the dead one is excluded from the predicate")
	assert.Equal(t, "agent1.1", outcome.Winner.Label)
	assert.Equal(t, "delivered without agent-3", outcome.FinalContent)

	requireStreamInvariants(t, evs)

	failed := false
	for _, ev := range ofType(evs, events.TypeAgentStatusChanged) {
		if ev.AgentID == "agent-3" &&
			payload[events.AgentStatusChangedPayload](t, ev).Status == models.AgentStatusFailed {
			failed = true
		}
	}
	assert.True(t, failed, "agent-3 never reported Failed")
}
