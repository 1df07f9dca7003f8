package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveInside resolves path against root and verifies the canonical result
// stays inside root. Symlinks are followed, so links pointing out of the
// tree are rejected instead of silently traversed. Paths that do not exist
// yet are resolved through their deepest existing ancestor.
func resolveInside(root, path string) (string, error) {
	joined := filepath.Clean(path)
	if !filepath.IsAbs(joined) {
		joined = filepath.Clean(filepath.Join(root, path))
	}

	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	real, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, path)
	}
	if !isPathInside(real, rootReal) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, path)
	}
	return real, nil
}

// canonicalize resolves every symlink in path. For non-existent paths the
// deepest existing ancestor is canonicalized and the remaining components
// are appended. Dangling symlinks are rejected outright.
func canonicalize(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	// A dangling symlink leaf also reports IsNotExist from EvalSymlinks;
	// Lstat tells the two cases apart.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("dangling symlink: %s", path)
	}

	current := path
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if real, err := filepath.EvalSymlinks(current); err == nil {
			result := real
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
}

// isPathInside checks whether child is inside or equal to parent.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
