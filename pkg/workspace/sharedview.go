package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RefreshSharedView rebuilds the agent's read-only view of every other
// agent's latest snapshot. Each link is replaced by symlink-to-temp-name
// plus rename, so a concurrent reader observes either the previous snapshot
// or the new one, never a partial state. Atomic per sub-path, not across the
// whole view.
func (m *Manager) RefreshSharedView(agent string) error {
	viewDir := filepath.Join(m.root, sharedViewDirName, agent)
	if err := os.MkdirAll(viewDir, 0o755); err != nil {
		return fmt.Errorf("failed to create shared view for agent %q: %w", agent, err)
	}

	m.mu.Lock()
	targets := make(map[string]string, len(m.latest))
	for other, id := range m.latest {
		if other != agent {
			targets[other] = m.SnapshotDir(id)
		}
	}
	m.mu.Unlock()

	for other, target := range targets {
		link := filepath.Join(viewDir, other)
		tmp := link + ".tmp"
		_ = os.Remove(tmp) // stale temp from an interrupted refresh
		if err := os.Symlink(target, tmp); err != nil {
			return fmt.Errorf("failed to link shared view %q -> %q: %w", other, target, err)
		}
		if err := os.Rename(tmp, link); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to swap shared view %q: %w", other, err)
		}
	}
	return nil
}

// SharedViewDir returns the directory holding agent's links to other agents'
// snapshots.
func (m *Manager) SharedViewDir(agent string) string {
	return filepath.Join(m.root, sharedViewDirName, agent)
}

// ReadShared reads a file from agent's view of another agent's latest
// snapshot. path is "<other_agent>/<relative path>". Snapshots contain only
// published material, so no policy consultation happens; shared reads also
// do not grant delete rights.
func (m *Manager) ReadShared(agent, path string) ([]byte, error) {
	snapshotDir, rest, err := m.resolveShared(agent, path)
	if err != nil {
		return nil, err
	}
	abs, err := resolveInside(snapshotDir, rest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read shared file: %w", err)
	}
	return data, nil
}

// ListShared lists a directory in agent's view of another agent's latest
// snapshot. A bare agent name lists that snapshot's root.
func (m *Manager) ListShared(agent, path string) ([]string, error) {
	snapshotDir, rest, err := m.resolveShared(agent, path)
	if err != nil {
		return nil, err
	}
	abs, err := resolveInside(snapshotDir, rest)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared directory: %w", err)
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

// resolveShared splits "<other>/<rest>" and resolves the other agent's
// current snapshot directory through the agent's shared-view link.
func (m *Manager) resolveShared(agent, path string) (snapshotDir, rest string, err error) {
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." || clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscape, path)
	}
	parts := strings.SplitN(clean, "/", 2)
	other := parts[0]
	rest = "."
	if len(parts) == 2 {
		rest = parts[1]
	}

	link := filepath.Join(m.SharedViewDir(agent), other)
	snapshotDir, err = os.Readlink(link)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrNoSharedView, other)
	}
	return snapshotDir, rest, nil
}
