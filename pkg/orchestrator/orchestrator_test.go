package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/agent/prompt"
	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/tools"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

// orchHarness runs a full orchestrator against scripted backends: real
// workspace, real router, real bus. Only the model is fake.
type orchHarness struct {
	t        *testing.T
	orch     *Orchestrator
	ws       *workspace.Manager
	bus      *events.Bus
	sub      *events.Subscription
	backends map[string]*backend.ScriptedBackend
}

func newOrchHarness(t *testing.T, session config.SessionConfig, agentIDs []string, scripts map[string]*backend.ScriptedBackend) *orchHarness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	ws, err := workspace.NewManager(t.TempDir(), "sess-orch", workspace.AllowAll(), logger)
	require.NoError(t, err)

	applyCh := make(chan tools.ApplyRequest, 16)
	ledger := tools.NewDeferralLedger()
	router := tools.NewRouter(tools.RouterDeps{
		Workspace:   ws,
		Apply:       applyCh,
		Ledger:      ledger,
		ToolTimeout: 5 * time.Second,
		Logger:      logger,
	}, nil)

	bus := events.NewBus("sess-orch", logger)
	sub := bus.Subscribe("orchestrator-test")
	t.Cleanup(bus.Close)

	agents := make([]config.AgentConfig, 0, len(agentIDs))
	backends := make(map[string]backend.Backend, len(agentIDs))
	for _, id := range agentIDs {
		require.Contains(t, scripts, id, "missing script for %s", id)
		agents = append(agents, config.AgentConfig{AgentID: id, BackendRef: "scripted"})
		backends[id] = scripts[id]
	}

	orch := New(Config{
		SessionID: "sess-orch",
		Task:      "demo task",
		Agents:    agents,
		Session:   session,
	}, Deps{
		Workspace: ws,
		Router:    router,
		Apply:     applyCh,
		Ledger:    ledger,
		Publisher: events.NewPublisher(bus, logger),
		Backends:  backends,
		Prompts:   prompt.NewBuilder("demo task", ""),
		Logger:    logger,
	})

	return &orchHarness{t: t, orch: orch, ws: ws, bus: bus, sub: sub, backends: scripts}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		SessionTimeout:                30 * time.Second,
		TurnTimeout:                   5 * time.Second,
		ToolTimeout:                   5 * time.Second,
		MaxAttemptsPerAgent:           5,
		MaxConsecutiveBackendFailures: 3,
	}
}

// run executes the session on a helper goroutine and fails the test if it
// never comes back.
func (h *orchHarness) run(ctx context.Context) (*models.SessionOutcome, error) {
	h.t.Helper()
	type result struct {
		outcome *models.SessionOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := h.orch.Run(ctx)
		done <- result{outcome, err}
	}()
	select {
	case r := <-done:
		return r.outcome, r.err
	case <-time.After(20 * time.Second):
		h.t.Fatal("session did not finish")
		return nil, nil
	}
}

// awaitEvent consumes live bus events until one of the given type arrives,
// returning everything consumed on the way.
func (h *orchHarness) awaitEvent(typ events.EventType) []events.Event {
	h.t.Helper()
	var seen []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.sub.Events():
			if !ok {
				h.t.Fatalf("bus closed before %s", typ)
				return seen
			}
			seen = append(seen, ev)
			if ev.Type == typ {
				return seen
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", typ)
			return seen
		}
	}
}

// drainEvents closes the bus and returns every event not yet consumed.
func (h *orchHarness) drainEvents() []events.Event {
	h.t.Helper()
	h.bus.Close()
	var out []events.Event
	for ev := range h.sub.Events() {
		out = append(out, ev)
	}
	return out
}

func eventsOfType(evs []events.Event, typ events.EventType) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func requireOneEvent(t *testing.T, evs []events.Event, typ events.EventType) events.Event {
	t.Helper()
	matches := eventsOfType(evs, typ)
	require.Len(t, matches, 1, "expected exactly one %s event", typ)
	return matches[0]
}

func decodePayload[T any](t *testing.T, ev events.Event) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func scriptedAgent(fn func(call int, msg string) backend.ScriptedTurn) *backend.ScriptedBackend {
	return backend.NewScriptedBackendFunc(func(call int, req backend.TurnRequest) backend.ScriptedTurn {
		msg := ""
		if len(req.Messages) > 0 {
			msg = req.Messages[0].Content
		}
		return fn(call, msg)
	})
}

func newAnswerCall(id, content string) models.ToolCall {
	return models.ToolCall{
		ID:        id,
		Name:      tools.ToolNewAnswer,
		Arguments: fmt.Sprintf(`{"content": %q}`, content),
	}
}

func voteCall(id, target, reason string) models.ToolCall {
	return models.ToolCall{
		ID:        id,
		Name:      tools.ToolVote,
		Arguments: fmt.Sprintf(`{"target": %q, "reason": %q}`, target, reason),
	}
}

func TestSessionReachesConsensus(t *testing.T) {
	scripts := map[string]*backend.ScriptedBackend{
		"agent-1": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-answer", "alpha approach"))
			case strings.Contains(msg, "### agent2.1"):
				return backend.ToolTurn(voteCall("a1-vote", "agent2.1", "bravo covers more ground"))
			default:
				return backend.HangTurn()
			}
		}),
		"agent-2": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("the bravo deliverable")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a2-answer", "bravo approach"))
			default:
				return backend.HangTurn()
			}
		}),
		"agent-3": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if strings.Contains(msg, "### agent2.1") {
				return backend.ToolTurn(voteCall("a3-vote", "agent2.1", "clean and complete"))
			}
			return backend.HangTurn()
		}),
	}
	h := newOrchHarness(t, testSessionConfig(), []string{"agent-1", "agent-2", "agent-3"}, scripts)

	outcome, err := h.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason)
	assert.Equal(t, "agent2.1", outcome.Winner.Label)
	assert.Equal(t, "agent-2", outcome.Winner.Author)
	assert.Equal(t, "the bravo deliverable", outcome.FinalContent)

	evs := h.drainEvents()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeSessionStarted, evs[0].Type)
	assert.Equal(t, events.TypeSessionEnded, evs[len(evs)-1].Type)

	consensus := requireOneEvent(t, evs, events.TypeConsensusReached)
	cp := decodePayload[events.ConsensusReachedPayload](t, consensus)
	assert.Equal(t, "agent2.1", cp.WinnerLabel)
	assert.Equal(t, "agent-2", cp.Author)
	assert.Equal(t, 2, cp.Tally["agent2.1"])

	var finalAnswer *events.AnswerPublishedPayload
	for _, ev := range eventsOfType(evs, events.TypeAnswerPublished) {
		p := decodePayload[events.AnswerPublishedPayload](t, ev)
		if models.IsFinalLabel(p.Label) {
			finalAnswer = &p
		}
	}
	require.NotNil(t, finalAnswer, "final presentation answer not published")
	assert.Equal(t, "agent2.final", finalAnswer.Label)
	assert.Equal(t, "the bravo deliverable", finalAnswer.Content)

	ended := decodePayload[events.SessionEndedPayload](t, evs[len(evs)-1])
	assert.Equal(t, models.SessionStatusCompleted, ended.Status)
	assert.Equal(t, models.OutcomeConsensus, ended.Outcome)
	assert.Equal(t, "agent2.1", ended.WinnerLabel)

	assert.DirExists(t, h.ws.FinalDir("agent2.final"))
}

func TestSupersessionInvalidatesVoteAndRestartsVoter(t *testing.T) {
	scripts := map[string]*backend.ScriptedBackend{
		"agent-1": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("refined second draft")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-first", "first draft"))
			case strings.Contains(msg, "- agent1.1: 1 vote(s)"):
				// The vote arrived; publish a revision that supersedes it.
				return backend.ToolTurn(newAnswerCall("a1-second", "second draft"))
			default:
				return backend.HangTurn()
			}
		}),
		"agent-2": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "### agent1.2"):
				return backend.ToolTurn(voteCall("a2-revote", "agent1.2", "the revision lands it"))
			case strings.Contains(msg, "### agent1.1"):
				return backend.ToolTurn(voteCall("a2-vote", "agent1.1", "good start"))
			default:
				return backend.HangTurn()
			}
		}),
		"agent-3": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if strings.Contains(msg, "### agent1.2") {
				return backend.ToolTurn(voteCall("a3-vote", "agent1.2", "agreed"))
			}
			return backend.HangTurn()
		}),
	}
	h := newOrchHarness(t, testSessionConfig(), []string{"agent-1", "agent-2", "agent-3"}, scripts)

	outcome, err := h.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason)
	assert.Equal(t, "agent1.2", outcome.Winner.Label)
	assert.Equal(t, "refined second draft", outcome.FinalContent)

	evs := h.drainEvents()

	// The superseding answer reports the invalidated voter in the same event.
	var superseding *events.AnswerPublishedPayload
	for _, ev := range eventsOfType(evs, events.TypeAnswerPublished) {
		p := decodePayload[events.AnswerPublishedPayload](t, ev)
		if p.Label == "agent1.2" {
			superseding = &p
		}
	}
	require.NotNil(t, superseding)
	assert.Equal(t, []string{"agent-2"}, superseding.InvalidatedVoters)

	// agent-2 voted twice: once for each draft.
	var targets []string
	for _, ev := range eventsOfType(evs, events.TypeVoteCast) {
		if ev.AgentID == "agent-2" {
			targets = append(targets, decodePayload[events.VoteCastPayload](t, ev).TargetLabel)
		}
	}
	assert.Equal(t, []string{"agent1.1", "agent1.2"}, targets)

	// The invalidated voter went back to work before re-voting.
	restarted := false
	for _, ev := range eventsOfType(evs, events.TypeAgentStatusChanged) {
		if ev.AgentID != "agent-2" {
			continue
		}
		if decodePayload[events.AgentStatusChangedPayload](t, ev).Status == models.AgentStatusRestarted {
			restarted = true
		}
	}
	assert.True(t, restarted, "invalidated voter was never restarted")
}

func TestNoActionForcesVote(t *testing.T) {
	scripts := map[string]*backend.ScriptedBackend{
		"agent-1": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("final only answer")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-answer", "only answer"))
			default:
				return backend.HangTurn()
			}
		}),
		// agent-2 talks but never acts, twice per turn thanks to the
		// re-prompt, which ends in NoAction.
		"agent-2": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if strings.Contains(msg, "### agent1.1") {
				return backend.TextTurn("considering the tradeoffs")
			}
			return backend.HangTurn()
		}),
	}
	h := newOrchHarness(t, testSessionConfig(), []string{"agent-1", "agent-2"}, scripts)

	outcome, err := h.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason)
	assert.Equal(t, "agent1.1", outcome.Winner.Label)
	assert.Equal(t, "final only answer", outcome.FinalContent)

	evs := h.drainEvents()
	vote := requireOneEvent(t, evs, events.TypeVoteCast)
	assert.Equal(t, "agent-2", vote.AgentID)
	vp := decodePayload[events.VoteCastPayload](t, vote)
	assert.Equal(t, "agent1.1", vp.TargetLabel)
	assert.Contains(t, vp.Reason, "auto vote")

	// One hanging turn plus the spoken turn and its re-prompt; the forced
	// vote itself never reached the model.
	assert.Equal(t, 3, h.backends["agent-2"].Calls())
}

func TestSoleSurvivorWinsAfterFailure(t *testing.T) {
	scripts := map[string]*backend.ScriptedBackend{
		"agent-1": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			return backend.ErrorTurn(errors.New("provider down"))
		}),
		"agent-2": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if strings.Contains(msg, "You have not published an answer yet") {
				return backend.ToolTurn(newAnswerCall("a2-answer", "steady answer"))
			}
			return backend.HangTurn()
		}),
	}
	h := newOrchHarness(t, testSessionConfig(), []string{"agent-1", "agent-2"}, scripts)

	outcome, err := h.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeFallbackFailures, outcome.Reason)
	assert.Equal(t, "agent2.1", outcome.Winner.Label)
	assert.Equal(t, "steady answer", outcome.FinalContent)

	evs := h.drainEvents()
	assert.Empty(t, eventsOfType(evs, events.TypeConsensusReached))

	failed := false
	for _, ev := range eventsOfType(evs, events.TypeAgentStatusChanged) {
		if ev.AgentID == "agent-1" &&
			decodePayload[events.AgentStatusChangedPayload](t, ev).Status == models.AgentStatusFailed {
			failed = true
		}
	}
	assert.True(t, failed, "failed agent never reported Failed")

	ended := decodePayload[events.SessionEndedPayload](t, requireOneEvent(t, evs, events.TypeSessionEnded))
	assert.Equal(t, models.SessionStatusCompleted, ended.Status)
	assert.Equal(t, models.OutcomeFallbackFailures, ended.Outcome)

	assert.DirExists(t, h.ws.FinalDir("agent2.final"))
}

func TestAllAgentsFailedAbortsSession(t *testing.T) {
	failing := func(call int, msg string) backend.ScriptedTurn {
		return backend.ErrorTurn(errors.New("provider down"))
	}
	scripts := map[string]*backend.ScriptedBackend{
		"agent-1": scriptedAgent(failing),
		"agent-2": scriptedAgent(failing),
	}
	h := newOrchHarness(t, testSessionConfig(), []string{"agent-1", "agent-2"}, scripts)

	outcome, err := h.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Nil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeAborted, outcome.Reason)
	assert.Empty(t, outcome.FinalContent)

	evs := h.drainEvents()
	ended := decodePayload[events.SessionEndedPayload](t, requireOneEvent(t, evs, events.TypeSessionEnded))
	assert.Equal(t, models.SessionStatusFailed, ended.Status)
	assert.Equal(t, models.OutcomeAborted, ended.Outcome)
	assert.Empty(t, ended.WinnerLabel)
}

func TestCancellationFallsBackToBestAnswer(t *testing.T) {
	scripts := map[string]*backend.ScriptedBackend{
		"agent-1": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if call == 0 {
				return backend.ToolTurn(newAnswerCall("a1-answer", "only answer"))
			}
			return backend.HangTurn()
		}),
		"agent-2": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			return backend.HangTurn()
		}),
	}
	h := newOrchHarness(t, testSessionConfig(), []string{"agent-1", "agent-2"}, scripts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		outcome *models.SessionOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := h.orch.Run(ctx)
		done <- result{outcome, err}
	}()

	seen := h.awaitEvent(events.TypeAnswerPublished)
	cancel()

	var r result
	select {
	case r = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
	require.NoError(t, r.err)
	require.NotNil(t, r.outcome.Winner)
	assert.Equal(t, models.OutcomeFallbackTimeout, r.outcome.Reason)
	assert.Equal(t, "agent1.1", r.outcome.Winner.Label)
	assert.Equal(t, "only answer", r.outcome.FinalContent)

	evs := append(seen, h.drainEvents()...)
	assert.Empty(t, eventsOfType(evs, events.TypeConsensusReached))
	ended := decodePayload[events.SessionEndedPayload](t, requireOneEvent(t, evs, events.TypeSessionEnded))
	assert.Equal(t, models.OutcomeFallbackTimeout, ended.Outcome)

	assert.DirExists(t, h.ws.FinalDir("agent1.final"))
}
