// Package store implements crash-consistent persistence for sessions,
// scheduled jobs and configuration documents. Every write goes through
// WriteFileAtomic: a crash leaves either the prior or the new document on
// disk, never a partial one.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPersistence wraps every failed write. Callers must treat it as fatal for
// the operation in progress.
var ErrPersistence = errors.New("persistence failure")

// renameFile is swapped in tests to simulate a crash between write and rename.
var renameFile = os.Rename

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. The parent directory is synced afterwards so the
// rename itself survives a power loss.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create dir %q: %v", ErrPersistence, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %q: %v", ErrPersistence, path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %q: %v", ErrPersistence, tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod %q: %v", ErrPersistence, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %q: %v", ErrPersistence, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %q: %v", ErrPersistence, tmpName, err)
	}
	if err := renameFile(tmpName, path); err != nil {
		return fmt.Errorf("%w: replace %q: %v", ErrPersistence, path, err)
	}

	syncDir(dir)
	return nil
}

// WriteJSONAtomic marshals v as compact JSON and writes it atomically.
// Compact output leaves embedded json.RawMessage values byte-for-byte as
// they were, so documents read back equal what was written.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %q: %v", ErrPersistence, path, err)
	}
	return WriteFileAtomic(path, append(data, '\n'), perm)
}

// syncDir is best effort; some filesystems refuse fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
