// Package checksum computes content digests used to detect stale cache
// entries.
package checksum

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Bytes returns the digest of data as 16 lowercase hex characters.
func Bytes(data []byte) string {
	return format(xxhash.Sum64(data))
}

// File returns the digest of the file at path. A missing file yields an
// error matching [fs.ErrNotExist].
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return "", fmt.Errorf("checksum %s: %w", path, errIsDir)
	}

	h := xxhash.New()

	_, err = io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	return format(h.Sum64()), nil
}

var errIsDir = errors.New("is a directory")

func format(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}

	return s
}

// FileHasher hashes keys that are file paths.
type FileHasher struct{}

// ContentHash implements the cache hasher contract: keys are file paths.
func (FileHasher) ContentHash(path string) (string, error) {
	return File(path)
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
