package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "session-1", nil, testLogger())
	require.NoError(t, err)
	return m
}

func TestNewManagerCreatesLayout(t *testing.T) {
	m := testManager(t)

	for _, dir := range []string{"work", "snapshots", "shared_view", "log", "final"} {
		info, err := os.Stat(filepath.Join(m.Root(), dir))
		require.NoError(t, err, "missing %s", dir)
		assert.True(t, info.IsDir())
	}
}

func TestFileRoundTrip(t *testing.T) {
	m := testManager(t)
	_, err := m.Prepare("agent-a")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("agent-a", "notes/draft.md", []byte("first draft")))

	data, err := m.ReadFile("agent-a", "notes/draft.md")
	require.NoError(t, err)
	assert.Equal(t, "first draft", string(data))

	names, err := m.ListDir("agent-a", "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft.md"}, names)

	names, err = m.ListDir("agent-a", ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/"}, names)

	// The agent created the file, so it may delete it.
	require.NoError(t, m.DeleteFile("agent-a", "notes/draft.md"))
	_, err = m.ReadFile("agent-a", "notes/draft.md")
	assert.Error(t, err)
}

func TestDeleteRequiresReadOrCreate(t *testing.T) {
	m := testManager(t)
	work, err := m.Prepare("agent-a")
	require.NoError(t, err)

	// Seed a file behind the manager's back: the agent has no claim on it.
	require.NoError(t, os.WriteFile(filepath.Join(work, "seeded.txt"), []byte("x"), 0o644))

	err = m.DeleteFile("agent-a", "seeded.txt")
	assert.ErrorIs(t, err, ErrReadBeforeDelete)

	// Reading it first establishes the claim.
	_, err = m.ReadFile("agent-a", "seeded.txt")
	require.NoError(t, err)
	require.NoError(t, m.DeleteFile("agent-a", "seeded.txt"))

	// Deletion drops the claim: a re-created file needs a fresh read.
	require.NoError(t, os.WriteFile(filepath.Join(work, "seeded.txt"), []byte("y"), 0o644))
	err = m.DeleteFile("agent-a", "seeded.txt")
	assert.ErrorIs(t, err, ErrReadBeforeDelete)
}

func TestPathEscapeRejected(t *testing.T) {
	m := testManager(t)
	work, err := m.Prepare("agent-a")
	require.NoError(t, err)

	// Relative traversal out of the work directory.
	_, err = m.ReadFile("agent-a", "../../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscape)

	// Absolute path outside the work directory.
	err = m.WriteFile("agent-a", "/etc/massgen-test", []byte("x"))
	assert.ErrorIs(t, err, ErrPathEscape)

	// Absolute path inside the work directory is fine.
	require.NoError(t, m.WriteFile("agent-a", filepath.Join(work, "ok.txt"), []byte("x")))

	// Symlink pointing out of the tree is followed and rejected.
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(work, "link.txt")))

	_, err = m.ReadFile("agent-a", "link.txt")
	assert.ErrorIs(t, err, ErrPathEscape)

	// Agents cannot reach each other's work directories either.
	_, err = m.Prepare("agent-b")
	require.NoError(t, err)
	_, err = m.ReadFile("agent-a", "../agent-b/anything.txt")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestPolicyDenied(t *testing.T) {
	policy := PolicyFunc(func(agent string, op Op, path string) error {
		if op == OpDelete {
			return assert.AnError
		}
		return nil
	})
	m, err := NewManager(t.TempDir(), "session-1", policy, testLogger())
	require.NoError(t, err)
	_, err = m.Prepare("agent-a")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile("agent-a", "kept.txt", []byte("x")))
	err = m.DeleteFile("agent-a", "kept.txt")
	assert.ErrorIs(t, err, ErrPolicyDenied)

	// The file is untouched.
	data, err := m.ReadFile("agent-a", "kept.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestCheckDoesNotTouchDisk(t *testing.T) {
	m := testManager(t)
	work, err := m.Prepare("agent-a")
	require.NoError(t, err)

	require.NoError(t, m.Check("agent-a", OpWrite, "new.txt"))
	_, err = os.Stat(filepath.Join(work, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestTrackerClaims(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.MayDelete("agent-a", "f.txt"))

	tr.RecordRead("agent-a", "f.txt")
	assert.True(t, tr.MayDelete("agent-a", "f.txt"))
	assert.False(t, tr.MayDelete("agent-b", "f.txt")) // claims are per agent

	tr.Forget("agent-a", "f.txt")
	assert.False(t, tr.MayDelete("agent-a", "f.txt"))

	tr.RecordCreate("agent-b", "g.txt")
	assert.True(t, tr.MayDelete("agent-b", "g.txt"))
}
