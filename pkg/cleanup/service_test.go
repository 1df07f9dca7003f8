package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/models"
	"github.com/massgen-ai/massgen/pkg/store"
	"github.com/massgen-ai/massgen/pkg/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	cfg := config.StoreConfig{
		Driver: config.StoreDriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "massgen.db"),
	}
	s, err := store.New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// finishedSession inserts a session that started an hour before endedAt and
// ended at endedAt.
func finishedSession(t *testing.T, st store.Store, id string, endedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	started := endedAt.Add(-time.Hour)
	require.NoError(t, st.CreateSession(ctx, models.Session{
		ID:         id,
		Task:       "compare caching strategies",
		Status:     models.SessionStatusRunning,
		AgentCount: 2,
		StartedAt:  started,
	}))
	require.NoError(t, st.FinishSession(ctx, models.Session{
		ID:      id,
		Status:  models.SessionStatusCompleted,
		Outcome: models.OutcomeConsensus,
		EndedAt: &endedAt,
	}))
}

func TestRunOncePrunesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	workspaceRoot := t.TempDir()

	now := time.Now().UTC()
	finishedSession(t, st, "sess-old", now.Add(-60*24*time.Hour))
	finishedSession(t, st, "sess-recent", now.Add(-time.Hour))

	for _, id := range []string{"sess-old", "sess-recent"} {
		require.NoError(t, os.MkdirAll(filepath.Join(workspaceRoot, id, "log"), 0o755))
	}

	svc := NewService(&config.RetentionConfig{
		SessionRetention: 30 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}, st, workspaceRoot, testLogger())

	count, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = st.GetSession(ctx, "sess-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession(ctx, "sess-recent")
	assert.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(workspaceRoot, "sess-old"))
	assert.DirExists(t, filepath.Join(workspaceRoot, "sess-recent"))

	// Idempotent: a second pass finds nothing.
	count, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunOnceWithoutStore(t *testing.T) {
	svc := NewService(&config.RetentionConfig{
		SessionRetention: time.Hour,
		CleanupInterval:  time.Hour,
	}, nil, t.TempDir(), testLogger())

	count, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartStopLoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	workspaceRoot := t.TempDir()

	finishedSession(t, st, "sess-expired", time.Now().UTC().Add(-48*time.Hour))

	svc := NewService(&config.RetentionConfig{
		SessionRetention: 24 * time.Hour,
		CleanupInterval:  10 * time.Millisecond,
	}, st, workspaceRoot, testLogger())

	svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, err := st.GetSession(ctx, "sess-expired")
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond, "expired session was never pruned")

	// Stop is idempotent.
	svc.Stop()
	svc.Stop()
}

func TestSweepSnapshots(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()

	ws, err := workspace.NewManager(t.TempDir(), "sess-sweep", workspace.AllowAll(), logger)
	require.NoError(t, err)

	_, err = ws.Prepare("agent-1")
	require.NoError(t, err)
	require.NoError(t, ws.WriteFile("agent-1", "notes.md", []byte("draft")))

	first, err := ws.Snapshot(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, ws.WriteFile("agent-1", "notes.md", []byte("final")))
	second, err := ws.Snapshot(ctx, "agent-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Promote before sweeping, the way the session manager does.
	require.NoError(t, ws.PromoteFinal("agent-1.2", second))

	SweepSnapshots(ws, logger)

	ids, err := ws.Snapshots()
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.DirExists(t, ws.FinalDir("agent-1.2"))
}
