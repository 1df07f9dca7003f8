package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/store"
	"github.com/massgen-ai/massgen/pkg/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testConfig wires two scripted agents and no tool servers.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Session: &config.SessionConfig{
			SessionTimeout:                30 * time.Second,
			TurnTimeout:                   5 * time.Second,
			ToolTimeout:                   5 * time.Second,
			MaxAttemptsPerAgent:           5,
			MaxConsecutiveBackendFailures: 3,
			WorkspaceRoot:                 t.TempDir(),
		},
		Agents: []config.AgentConfig{
			{AgentID: "agent-1", BackendRef: "scripted-1"},
			{AgentID: "agent-2", BackendRef: "scripted-2"},
		},
		BackendRegistry:    config.NewBackendRegistry(nil),
		ToolServerRegistry: config.NewToolServerRegistry(nil),
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	cfg := config.StoreConfig{
		Driver: config.StoreDriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "massgen.db"),
	}
	st, err := store.New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func scriptedRegistry(scripts map[string]*backend.ScriptedBackend) *backend.Registry {
	registry, _ := backend.NewRegistry(nil, slog.New(slog.DiscardHandler))
	for ref, b := range scripts {
		registry.Register(ref, b)
	}
	return registry
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

// consensusScripts publish two answers; agent-1 votes for agent-2's, which
// satisfies the predicate, and agent-2 presents the final answer.
func consensusScripts() map[string]*backend.ScriptedBackend {
	newAnswer := func(id, content string) backend.ScriptedTurn {
		return backend.ToolTurn(models.ToolCall{
			ID:        id,
			Name:      tools.ToolNewAnswer,
			Arguments: fmt.Sprintf(`{"content": %q}`, content),
		})
	}
	return map[string]*backend.ScriptedBackend{
		"scripted-1": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case call == 0:
				return newAnswer("a1-answer", "alpha approach")
			case strings.Contains(msg, "### agent2.1"):
				return backend.ToolTurn(models.ToolCall{
					ID:        "a1-vote",
					Name:      tools.ToolVote,
					Arguments: `{"target": "agent2.1", "reason": "bravo covers more ground"}`,
				})
			default:
				return backend.HangTurn()
			}
		}),
		"scripted-2": scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("the bravo deliverable")
			case call == 0:
				return newAnswer("a2-answer", "bravo approach")
			default:
				return backend.HangTurn()
			}
		}),
	}
}

// hangingScripts never produce anything, so the session runs until it is
// canceled or times out.
func hangingScripts() map[string]*backend.ScriptedBackend {
	hang := func(int, string) backend.ScriptedTurn { return backend.HangTurn() }
	return map[string]*backend.ScriptedBackend{
		"scripted-1": scriptedAgent(hang),
		"scripted-2": scriptedAgent(hang),
	}
}

func TestRunReachesConsensus(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := newTestStore(t)

	m, err := NewManager(cfg, st, testLogger(), Options{
		Backends: scriptedRegistry(consensusScripts()),
	})
	require.NoError(t, err)

	var sub *events.Subscription
	m.OnBus = func(_ string, bus *events.Bus) {
		sub = bus.Subscribe("test")
	}

	id, outcome, err := m.Run(ctx, "compare caching strategies")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, models.OutcomeConsensus, outcome.Reason)
	assert.Equal(t, "agent2.1", outcome.Winner.Label)
	assert.Equal(t, "the bravo deliverable", outcome.FinalContent)
	assert.Zero(t, m.ActiveCount())

	// The bus was closed by the session teardown, so the subscription
	// drains to completion.
	require.NotNil(t, sub)
	var seen []events.Event
	for ev := range sub.Events() {
		seen = append(seen, ev)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, events.TypeSessionStarted, seen[0].Type)
	assert.Equal(t, events.TypeSessionEnded, seen[len(seen)-1].Type)

	// The store holds the terminal row, the mirrored coordination results,
	// and the full journal.
	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, models.OutcomeConsensus, sess.Outcome)
	assert.Equal(t, "agent2.1", sess.WinnerLabel)
	assert.Equal(t, "the bravo deliverable", sess.FinalContent)
	require.NotNil(t, sess.EndedAt)

	detail, err := st.GetSessionDetail(ctx, id)
	require.NoError(t, err)
	assert.Len(t, detail.Votes, 1)
	labels := make([]string, 0, len(detail.Answers))
	for _, a := range detail.Answers {
		labels = append(labels, a.Label)
	}
	assert.Contains(t, labels, "agent1.1")
	assert.Contains(t, labels, "agent2.1")

	evs, err := st.ListEvents(ctx, id, 0, 500)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, string(events.TypeSessionStarted), evs[0].Type)
	assert.Equal(t, string(events.TypeSessionEnded), evs[len(evs)-1].Type)

	// Snapshots are swept once the winner is promoted into final/.
	sessionRoot := filepath.Join(cfg.Session.WorkspaceRoot, id)
	snaps, err := os.ReadDir(filepath.Join(sessionRoot, "snapshots"))
	require.NoError(t, err)
	assert.Empty(t, snaps)
	finals, err := os.ReadDir(filepath.Join(sessionRoot, "final"))
	require.NoError(t, err)
	assert.NotEmpty(t, finals)
}

func TestRunWithoutStore(t *testing.T) {
	cfg := testConfig(t)

	m, err := NewManager(cfg, nil, testLogger(), Options{
		Backends: scriptedRegistry(consensusScripts()),
	})
	require.NoError(t, err)

	id, outcome, err := m.Run(context.Background(), "compare caching strategies")
	require.NoError(t, err)
	require.NotNil(t, outcome.Winner)

	// Without a store the journal file is still written.
	data, err := os.ReadFile(filepath.Join(cfg.Session.WorkspaceRoot, id, "log", "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), string(events.TypeSessionEnded))
}

func TestSubmitAndCancel(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := newTestStore(t)

	m, err := NewManager(cfg, st, testLogger(), Options{
		Backends: scriptedRegistry(hangingScripts()),
	})
	require.NoError(t, err)

	id, err := m.Submit("never converges")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, m.ActiveCount())

	assert.False(t, m.Cancel("no-such-session"))
	require.True(t, m.Cancel(id))

	require.Eventually(t, func() bool {
		return m.ActiveCount() == 0
	}, 10*time.Second, 20*time.Millisecond, "session did not unwind after cancel")

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Equal(t, models.OutcomeAborted, sess.Outcome)
	require.NotNil(t, sess.EndedAt)
}

func TestSubmitRefusesWhenBusy(t *testing.T) {
	cfg := testConfig(t)

	m, err := NewManager(cfg, nil, testLogger(), Options{
		MaxConcurrent: 1,
		Backends:      scriptedRegistry(hangingScripts()),
	})
	require.NoError(t, err)

	id, err := m.Submit("first")
	require.NoError(t, err)

	_, err = m.Submit("second")
	assert.ErrorIs(t, err, ErrBusy)

	require.True(t, m.Cancel(id))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
}

func TestAttachStreamsLiveEvents(t *testing.T) {
	cfg := testConfig(t)

	m, err := NewManager(cfg, nil, testLogger(), Options{
		Backends: scriptedRegistry(hangingScripts()),
	})
	require.NoError(t, err)

	id, err := m.Submit("observed session")
	require.NoError(t, err)

	// The bus appears once wiring reaches it; retry until Attach sees it.
	var sub *events.Subscription
	require.Eventually(t, func() bool {
		s, ok := m.Attach(id, "probe")
		if ok {
			sub = s
		}
		return ok
	}, 5*time.Second, 10*time.Millisecond, "bus never became attachable")

	_, ok := m.Attach("no-such-session", "probe")
	assert.False(t, ok)

	require.True(t, m.Cancel(id))

	sawEnd := false
	for ev := range sub.Events() {
		if ev.Type == events.TypeSessionEnded {
			sawEnd = true
		}
	}
	assert.True(t, sawEnd, "attached subscriber missed session.ended")
}

func TestShutdownCancelsActiveSessions(t *testing.T) {
	cfg := testConfig(t)

	m, err := NewManager(cfg, nil, testLogger(), Options{
		Backends: scriptedRegistry(hangingScripts()),
	})
	require.NoError(t, err)

	_, err = m.Submit("will be shut down")
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Zero(t, m.ActiveCount())

	_, err = m.Submit("after shutdown")
	assert.ErrorIs(t, err, ErrShuttingDown)

	_, _, err = m.Run(context.Background(), "after shutdown")
	assert.ErrorIs(t, err, ErrShuttingDown)
}
