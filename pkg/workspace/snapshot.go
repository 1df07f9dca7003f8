package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Snapshot copies the agent's work directory into a new immutable snapshot
// and returns its id. The copy is staged under a hidden name, fsynced file
// by file, then renamed into place: either the complete snapshot becomes
// visible or nothing does. Crash-interrupted staging directories are ignored
// by Snapshots and swept by RemoveStaleStaging.
func (m *Manager) Snapshot(ctx context.Context, agent string) (string, error) {
	work := m.WorkDir(agent)
	if _, err := os.Stat(work); err != nil {
		return "", fmt.Errorf("failed to snapshot agent %q: %w", agent, err)
	}

	id := uuid.New().String()
	snapRoot := filepath.Join(m.root, snapshotsDirName)
	staging := filepath.Join(snapRoot, stagingPrefix+id)

	if err := copyTreeCtx(ctx, work, staging); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("failed to stage snapshot for agent %q: %w", agent, err)
	}
	if err := os.Rename(staging, m.SnapshotDir(id)); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("failed to publish snapshot for agent %q: %w", agent, err)
	}
	if err := fsyncDir(snapRoot); err != nil {
		return "", fmt.Errorf("failed to sync snapshots directory: %w", err)
	}

	m.mu.Lock()
	m.latest[agent] = id
	m.mu.Unlock()

	m.logger.Debug("snapshot taken", "agent", agent, "snapshot_id", id)
	return id, nil
}

// LatestSnapshot returns the agent's most recent snapshot id, if any.
func (m *Manager) LatestSnapshot(agent string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[agent]
	return id, ok
}

// Snapshots lists all visible snapshot ids, skipping staging leftovers.
func (m *Manager) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, snapshotsDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || isStagingName(entry.Name()) {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

// RemoveSnapshot deletes a snapshot directory. Used by retention cleanup for
// snapshots no live answer references.
func (m *Manager) RemoveSnapshot(id string) error {
	if id == "" || id != filepath.Base(id) {
		return fmt.Errorf("%w: %q", ErrUnknownSnapshot, id)
	}
	dir := m.SnapshotDir(id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownSnapshot, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove snapshot %q: %w", id, err)
	}
	m.mu.Lock()
	for agent, latest := range m.latest {
		if latest == id {
			delete(m.latest, agent)
		}
	}
	m.mu.Unlock()
	return nil
}

// RemoveStaleStaging sweeps staging directories left behind by interrupted
// snapshots. Safe to call at any time: a staging directory is never read.
func (m *Manager) RemoveStaleStaging() error {
	snapRoot := filepath.Join(m.root, snapshotsDirName)
	entries, err := os.ReadDir(snapRoot)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, entry := range entries {
		if !isStagingName(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(snapRoot, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove stale staging %q: %w", entry.Name(), err)
		}
	}
	return nil
}

// copyTreeCtx copies src into dst, fsyncing every file and directory so the
// subsequent rename publishes a fully durable tree. Honors ctx cancellation
// between entries.
func copyTreeCtx(ctx context.Context, src, dst string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			return copyFileSync(path, target)
		}
	})
	if err != nil {
		return err
	}
	return fsyncTreeDirs(dst)
}

// copyTreeSync is copyTreeCtx without cancellation, for short final copies.
func copyTreeSync(src, dst string) error {
	return copyTreeCtx(context.Background(), src, dst)
}

// copyFileSync copies one file and fsyncs it before closing.
func copyFileSync(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// fsyncTreeDirs fsyncs every directory under root.
func fsyncTreeDirs(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		return fsyncDir(path)
	})
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
