package entitystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// projectDirName is the subdirectory of a store directory that holds the
// index and blob files. It is the unit that gets deleted on corruption.
const projectDirName = "project"

// Identity describes what a store belongs to. Two identities with the same
// Name and Root but different versions map to sibling directories that share
// a prefix; only the newest survives an [Open].
type Identity struct {
	// Root is the absolute project root directory.
	Root string

	// Name is the project name. Defaults to the base name of Root.
	Name string

	ToolVersion string
	JavaVersion string
	JavaHome    string
	SettingDir  string
}

// Location is the on-disk layout derived from an [Identity].
type Location struct {
	// CacheRoot is the directory holding every project's store directory.
	CacheRoot string

	// Prefix is "<name>_<hash16(name, root)>". Directories in CacheRoot that
	// start with Prefix+"_" belong to the same project.
	Prefix string

	// Dir is CacheRoot/<Prefix>_<hash16(versions)>.
	Dir string

	// ProjectDir is Dir/project: the index and blob files.
	ProjectDir string
}

// Locate derives the store location for id under cacheRoot.
func Locate(cacheRoot string, id Identity) Location {
	name := id.Name
	if name == "" {
		name = filepath.Base(filepath.Clean(id.Root))
	}

	name = sanitizeName(name)
	prefix := name + "_" + hash16(name, id.Root)
	dir := filepath.Join(cacheRoot, prefix+"_"+hash16(id.ToolVersion, id.JavaVersion, id.JavaHome, id.SettingDir))

	return Location{
		CacheRoot:  cacheRoot,
		Prefix:     prefix,
		Dir:        dir,
		ProjectDir: filepath.Join(dir, projectDirName),
	}
}

// hash16 returns the first 16 hex characters of sha256 over parts.
// Parts are NUL separated so ("ab", "c") and ("a", "bc") differ.
func hash16(parts ...string) string {
	h := sha256.New()

	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}

		_, _ = h.Write([]byte(p))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

func sanitizeName(name string) string {
	var b strings.Builder

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	if b.Len() == 0 {
		return "project"
	}

	return b.String()
}

// staleSiblings lists directories in CacheRoot that belong to the same
// project but another version combination.
func (l Location) staleSiblings() ([]string, error) {
	entries, err := os.ReadDir(l.CacheRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read cache root: %w", err)
	}

	current := filepath.Base(l.Dir)

	var stale []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if e.Name() == current || !strings.HasPrefix(e.Name(), l.Prefix+"_") {
			continue
		}

		stale = append(stale, filepath.Join(l.CacheRoot, e.Name()))
	}

	return stale, nil
}
