// Package cache implements the flat on-disk blob store used to short-circuit
// re-execution of jobs whose results were already computed. Blobs are keyed
// by (job id, suffix) under a configurable directory:
//
//	<dir>/<job_id><suffix>
//
// The store is an optimization, not a journal: a missing or unreadable blob
// falls through to re-execution, and write failures are logged by the caller
// and ignored. It is not safe for concurrent use across processes; within a
// single process the registry serializes writes through its post-execute path.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Path returns the full blob path for a job id under dir.
func Path(dir, jobID, suffix string) string {
	return filepath.Join(dir, jobID+suffix)
}

// Exists reports whether a blob exists for the given job id.
func Exists(dir, jobID, suffix string) bool {
	_, err := os.Stat(Path(dir, jobID, suffix))
	return err == nil
}

// Read returns the blob contents at path, or (nil, nil) if no blob exists.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at path, creating parent directories as needed.
// Atomic replacement is not required — the registry never writes the same
// blob concurrently.
func Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cache: write %s: %w", path, err)
	}
	return nil
}

// Delete removes the blob at path. Returns true if a blob was removed,
// false if none existed.
func Delete(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: delete %s: %w", path, err)
	}
	return true, nil
}
