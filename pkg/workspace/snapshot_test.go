package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIsImmutableCopy(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("version 1")))
	require.NoError(t, m.WriteFile("agent-a", "sub/b.txt", []byte("nested")))

	id, err := m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	latest, ok := m.LatestSnapshot("agent-a")
	require.True(t, ok)
	assert.Equal(t, id, latest)

	// Later edits to the work directory do not leak into the snapshot.
	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("version 2")))

	data, err := os.ReadFile(filepath.Join(m.SnapshotDir(id), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "version 1", string(data))

	data, err = os.ReadFile(filepath.Join(m.SnapshotDir(id), "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))

	ids, err := m.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestSnapshotLeavesNoStaging(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)
	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("x")))

	_, err = m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(m.Root(), "snapshots"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, isStagingName(entry.Name()), "staging leftover: %s", entry.Name())
	}
}

func TestSnapshotCancelledLeavesNothing(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)
	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Snapshot(ctx, "agent-a")
	require.Error(t, err)

	ids, err := m.Snapshots()
	require.NoError(t, err)
	assert.Empty(t, ids)

	entries, err := os.ReadDir(filepath.Join(m.Root(), "snapshots"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSecondSnapshotUpdatesLatest(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("one")))
	first, err := m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("two")))
	second, err := m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	latest, ok := m.LatestSnapshot("agent-a")
	require.True(t, ok)
	assert.Equal(t, second, latest)

	ids, err := m.Snapshots()
	require.NoError(t, err)
	assert.Len(t, ids, 2) // older snapshots stay until cleanup
}

func TestRefreshSharedView(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)
	_, err = m.Prepare("agent-b")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("agent-b", "answer.md", []byte("b's work")))
	firstSnap, err := m.Snapshot(context.Background(), "agent-b")
	require.NoError(t, err)

	require.NoError(t, m.RefreshSharedView("agent-a"))

	link := filepath.Join(m.SharedViewDir("agent-a"), "agent-b")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, m.SnapshotDir(firstSnap), target)

	// Reads through the view see the snapshot content.
	data, err := os.ReadFile(filepath.Join(link, "answer.md"))
	require.NoError(t, err)
	assert.Equal(t, "b's work", string(data))

	// A newer snapshot swaps the link in place.
	require.NoError(t, m.WriteFile("agent-b", "answer.md", []byte("b's revision")))
	secondSnap, err := m.Snapshot(context.Background(), "agent-b")
	require.NoError(t, err)
	require.NoError(t, m.RefreshSharedView("agent-a"))

	target, err = os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, m.SnapshotDir(secondSnap), target)

	// An agent's own view never includes itself.
	require.NoError(t, m.RefreshSharedView("agent-b"))
	_, err = os.Lstat(filepath.Join(m.SharedViewDir("agent-b"), "agent-b"))
	assert.True(t, os.IsNotExist(err))
}

func TestPromoteFinal(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)
	require.NoError(t, m.WriteFile("agent-a", "result.md", []byte("the winner")))

	id, err := m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)

	require.NoError(t, m.PromoteFinal("agent1.final", id))

	data, err := os.ReadFile(filepath.Join(m.FinalDir("agent1.final"), "result.md"))
	require.NoError(t, err)
	assert.Equal(t, "the winner", string(data))

	err = m.PromoteFinal("agent1.final", "no-such-snapshot")
	assert.ErrorIs(t, err, ErrUnknownSnapshot)
}

func TestRemoveSnapshot(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)
	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("x")))

	id, err := m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)

	require.NoError(t, m.RemoveSnapshot(id))

	ids, err := m.Snapshots()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, ok := m.LatestSnapshot("agent-a")
	assert.False(t, ok)

	assert.ErrorIs(t, m.RemoveSnapshot(id), ErrUnknownSnapshot)
	assert.ErrorIs(t, m.RemoveSnapshot("../work"), ErrUnknownSnapshot)
	assert.ErrorIs(t, m.RemoveSnapshot(""), ErrUnknownSnapshot)
}

func TestRemoveStaleStaging(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)
	require.NoError(t, m.WriteFile("agent-a", "a.txt", []byte("x")))

	id, err := m.Snapshot(context.Background(), "agent-a")
	require.NoError(t, err)

	stale := filepath.Join(m.Root(), "snapshots", ".staging-dead")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	require.NoError(t, m.RemoveStaleStaging())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	ids, err := m.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids) // real snapshots untouched
}
