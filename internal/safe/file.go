// Package safe opens files that are about to be served to clients.
package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotRegular is returned when a path exists but is not a plain file.
var ErrNotRegular = errors.New("not a regular file")

// StatRegular returns file info for path without following symlinks.
// Symlinks and non-regular files are rejected with ErrNotRegular.
func StatRegular(path string) (os.FileInfo, error) {
	info, err := os.Lstat(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%q is a symlink: %w", path, ErrNotRegular)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q: %w", path, ErrNotRegular)
	}
	return info, nil
}

// OpenRegular opens path for reading after the StatRegular checks.
// The caller owns the returned file.
func OpenRegular(path string) (*os.File, os.FileInfo, error) {
	if _, err := StatRegular(path); err != nil {
		return nil, nil, err
	}

	// #nosec G304 - path was validated above.
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}

	// Re-check on the open descriptor; the path may have been swapped.
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%q: %w", path, ErrNotRegular)
	}
	return f, info, nil
}
