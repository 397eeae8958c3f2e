package tokenstore

import (
	"context"
	"fmt"
	"os"
	"time"
)

// lockOptions bounds how long acquireFileLock waits and when an existing
// lock file is considered abandoned.
type lockOptions struct {
	retries    int
	retryDelay time.Duration
	staleAfter time.Duration
}

var defaultLockOptions = lockOptions{
	retries:    50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

// fileLock is an exclusive, cross-process lock backed by a sidecar file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock creates filePath+".lock" exclusively, waiting for other
// holders and taking over locks older than opts.staleAfter.
func acquireFileLock(ctx context.Context, filePath string, opts lockOptions) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for i := 0; i < opts.retries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a stuck lock
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > opts.staleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file lock: %w", ctx.Err())
		case <-time.After(opts.retryDelay):
		}
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(opts.retries)*opts.retryDelay,
	)
}

// release closes and removes the lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}

// writeFileAtomic writes data to a temp file next to path and renames it
// over path, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
