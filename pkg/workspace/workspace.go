// Package workspace manages the per-session directory tree that agents work
// in: private work directories, immutable snapshots taken when an answer is
// published, shared read-only views onto other agents' latest snapshots, and
// the winner's promoted final output.
//
// Layout under <workspace_root>/<session_id>/:
//
//	work/<agent>/                       private, read-write for the owner
//	snapshots/<snapshot_id>/            immutable once visible
//	shared_view/<agent>/<other_agent>   symlink to other's latest snapshot
//	log/                                append-only event journal
//	final/<winner_label>/               winner's final snapshot
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	workDirName       = "work"
	snapshotsDirName  = "snapshots"
	sharedViewDirName = "shared_view"
	logDirName        = "log"
	finalDirName      = "final"

	stagingPrefix = ".staging-"
)

// Manager owns one session's directory tree. File operations confine each
// agent to its own work directory, consult the Policy, and enforce
// read-before-delete through the Tracker. Safe for concurrent use by the
// runner goroutines; snapshot bookkeeping is mutex-guarded.
type Manager struct {
	root    string // <workspace_root>/<session_id>
	policy  Policy
	tracker *Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	latest map[string]string // agent -> latest snapshot id
}

// NewManager creates the session directory skeleton under workspaceRoot.
// A nil policy defaults to AllowAll.
func NewManager(workspaceRoot, sessionID string, policy Policy, logger *slog.Logger) (*Manager, error) {
	if policy == nil {
		policy = AllowAll()
	}
	root := filepath.Join(workspaceRoot, sessionID)
	for _, dir := range []string{workDirName, snapshotsDirName, sharedViewDirName, logDirName, finalDirName} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directory %q: %w", dir, err)
		}
	}
	return &Manager{
		root:    root,
		policy:  policy,
		tracker: NewTracker(),
		logger:  logger.With("component", "workspace"),
		latest:  make(map[string]string),
	}, nil
}

// Root returns the session root directory.
func (m *Manager) Root() string {
	return m.root
}

// WorkDir returns the agent's private work directory path.
func (m *Manager) WorkDir(agent string) string {
	return filepath.Join(m.root, workDirName, agent)
}

// LogDir returns the directory holding the append-only session journal.
func (m *Manager) LogDir() string {
	return filepath.Join(m.root, logDirName)
}

// SnapshotDir returns the directory of a snapshot id.
func (m *Manager) SnapshotDir(id string) string {
	return filepath.Join(m.root, snapshotsDirName, id)
}

// FinalDir returns the directory the winner's output is promoted into.
func (m *Manager) FinalDir(winnerLabel string) string {
	return filepath.Join(m.root, finalDirName, winnerLabel)
}

// Prepare creates or resumes the agent's work directory and returns its path.
func (m *Manager) Prepare(agent string) (string, error) {
	dir := m.WorkDir(agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare workspace for agent %q: %w", agent, err)
	}
	return dir, nil
}

// Check validates that agent may perform op on path: the path must resolve
// inside the agent's work directory, the policy must permit it, and deletes
// require the path to have been created or read this session. Nothing on
// disk is touched.
func (m *Manager) Check(agent string, op Op, path string) error {
	_, _, err := m.check(agent, op, path)
	return err
}

// check resolves path and runs all access checks, returning the canonical
// absolute path and its work-directory-relative form.
func (m *Manager) check(agent string, op Op, path string) (abs, rel string, err error) {
	workDir := m.WorkDir(agent)
	abs, err = resolveInside(workDir, path)
	if err != nil {
		return "", "", err
	}
	workReal, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	rel, err = filepath.Rel(workReal, abs)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscape, path)
	}
	if perr := m.policy.May(agent, op, rel); perr != nil {
		return "", "", fmt.Errorf("%w: %v", ErrPolicyDenied, perr)
	}
	if op == OpDelete && !m.tracker.MayDelete(agent, rel) {
		return "", "", fmt.Errorf("%w: %q", ErrReadBeforeDelete, rel)
	}
	return abs, rel, nil
}

// ReadFile reads a file from the agent's work directory and records the read
// for later delete permission.
func (m *Manager) ReadFile(agent, path string) ([]byte, error) {
	abs, rel, err := m.check(agent, OpRead, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	m.tracker.RecordRead(agent, rel)
	return data, nil
}

// WriteFile writes a file into the agent's work directory, creating parent
// directories as needed, and records the creation.
func (m *Manager) WriteFile(agent, path string, data []byte) error {
	abs, rel, err := m.check(agent, OpWrite, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	m.tracker.RecordCreate(agent, rel)
	return nil
}

// ListDir lists a directory in the agent's work directory. Directory entries
// carry a trailing separator so callers can tell them from files.
func (m *Manager) ListDir(agent, path string) ([]string, error) {
	abs, _, err := m.check(agent, OpList, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteFile removes a file (or empty directory) from the agent's work
// directory. Only paths the agent created or read this session may be
// deleted.
func (m *Manager) DeleteFile(agent, path string) error {
	abs, rel, err := m.check(agent, OpDelete, path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	m.tracker.Forget(agent, rel)
	return nil
}

// PromoteFinal copies the winner's snapshot into final/<winnerLabel>/ with
// the same staging-then-rename discipline as snapshot creation.
func (m *Manager) PromoteFinal(winnerLabel, snapshotID string) error {
	src := m.SnapshotDir(snapshotID)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownSnapshot, snapshotID)
	}
	finalRoot := filepath.Join(m.root, finalDirName)
	dst := filepath.Join(finalRoot, winnerLabel)
	staging := filepath.Join(finalRoot, stagingPrefix+winnerLabel)

	if err := copyTreeSync(src, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("failed to stage final output: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("failed to promote final output: %w", err)
	}
	if err := fsyncDir(finalRoot); err != nil {
		return fmt.Errorf("failed to sync final directory: %w", err)
	}
	m.logger.Info("final output promoted", "winner_label", winnerLabel, "snapshot_id", snapshotID)
	return nil
}

// isStagingName reports whether a snapshots/ entry is a staging directory
// left behind by an interrupted snapshot.
func isStagingName(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}
