package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
)

// TestSessionTimeoutFallsBackToBestAnswer lets the session deadline expire
// mid-coordination: agent-1 has published, agent-2 is still generating.
// The deadline cancels every runner and promotes the best current answer
// without a final-presentation turn.
func TestSessionTimeoutFallsBackToBestAnswer(t *testing.T) {
	agents, refs := defaultAgents(2)
	scripts := map[string]*backend.ScriptedBackend{
		refs[0]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			if call == 0 {
				return backend.ToolTurn(newAnswerCall("a1-answer", "the only answer"))
			}
			return backend.HangTurn()
		}),
		refs[1]: hangingAgent(),
	}

	h := newHarness(t, Options{
		Agents:  agents,
		Scripts: scripts,
		Tune: func(cfg *config.SessionConfig) {
			cfg.SessionTimeout = 1 * time.Second
		},
	})

	start := time.Now()
	id, outcome, evs := h.Run(context.Background(), "never converges")
	elapsed := time.Since(start)

	require.NotNil(t, outcome)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeFallbackTimeout, outcome.Reason)
	assert.Equal(t, "agent1.1", outcome.Winner.Label)
	// No final turn ran; the answer content is promoted verbatim.
	assert.Equal(t, "the only answer", outcome.FinalContent)

	// Cancellation propagated promptly: well under the next timeout tier.
	assert.Less(t, elapsed, 10*time.Second, "runners did not unwind promptly after the deadline")

	requireStreamInvariants(t, evs)
	assert.Empty(t, ofType(evs, events.TypeConsensusReached))

	ended := payload[events.SessionEndedPayload](t, oneEvent(t, evs, events.TypeSessionEnded))
	assert.Equal(t, models.OutcomeFallbackTimeout, ended.Outcome)
	assert.Equal(t, "agent1.1", ended.WinnerLabel)

	// The hanging agent was interrupted mid-turn, never having acted.
	for _, ev := range ofType(evs, events.TypeVoteCast) {
		assert.NotEqual(t, "agent-2", ev.AgentID)
	}

	sess, err := h.Store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, models.OutcomeFallbackTimeout, sess.Outcome)
}

// TestSessionTimeoutWithoutAnswersAborts covers the emptier variant: the
// deadline fires before anyone published, so there is nothing to promote.
func TestSessionTimeoutWithoutAnswersAborts(t *testing.T) {
	agents, refs := defaultAgents(2)
	scripts := map[string]*backend.ScriptedBackend{
		refs[0]: hangingAgent(),
		refs[1]: hangingAgent(),
	}

	h := newHarness(t, Options{
		Agents:  agents,
		Scripts: scripts,
		Tune: func(cfg *config.SessionConfig) {
			cfg.SessionTimeout = 500 * time.Millisecond
		},
	})

	id, outcome, evs := h.Run(context.Background(), "silence")

	require.NotNil(t, outcome)
	assert.Nil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeAborted, outcome.Reason)

	requireStreamInvariants(t, evs)
	ended := payload[events.SessionEndedPayload](t, oneEvent(t, evs, events.TypeSessionEnded))
	assert.Equal(t, models.SessionStatusFailed, ended.Status)

	sess, err := h.Store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)

	// Nobody produced output beyond lifecycle events.
	assert.Empty(t, ofType(evs, events.TypeAnswerPublished))
}
