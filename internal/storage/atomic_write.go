// Package storage holds the on-disk write primitives shared by the config
// file and the workspace project file.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RenameError is returned by AtomicWriteFile when the final rename fails.
// The temporary file has already been removed when it is returned.
type RenameError interface {
	error
	TempPath() string
}

type renameError struct {
	tempPath string
	err      error
}

func (e *renameError) Error() string {
	return fmt.Sprintf("failed to rename %s into place: %v", e.tempPath, e.err)
}

func (e *renameError) Unwrap() error    { return e.err }
func (e *renameError) TempPath() string { return e.tempPath }

// AtomicWriteFile writes data to a temporary file in the target directory
// and renames it over filename, so readers never see a partial file.
// Missing parent directories are created.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filename); err != nil {
		_ = os.Remove(tmpPath)
		return &renameError{tempPath: tmpPath, err: err}
	}
	return nil
}
