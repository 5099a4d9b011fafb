package session

import "path/filepath"

// Canonical returns the absolute, symlink-resolved form of path. For a path
// that does not exist, its parent directory is resolved instead.
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved
	}

	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}

	return abs
}
