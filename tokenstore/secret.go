// Package tokenstore persists the session credential and a best-effort
// profile cache.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrNotFound is returned by a SecretStore when the key has no value.
var ErrNotFound = errors.New("secret not found")

// SecretStore is the secure key/value primitive the session persists into.
// Delete must be idempotent.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemorySecretStore keeps secrets in process memory.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemorySecretStore returns an empty in-memory store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string]string)}
}

func (m *MemorySecretStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemorySecretStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *MemorySecretStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

// secretFile is the on-disk layout of a FileSecretStore.
type secretFile struct {
	Secrets map[string]string `json:"secrets"`
}

// FileSecretStore keeps secrets in a 0600 JSON file. Writes take a sidecar
// lock file so several processes can share the file, and replace it
// atomically so reads never need the lock.
type FileSecretStore struct {
	path   string
	lock   lockOptions
	logger *slog.Logger
}

// NewFileSecretStore returns a store backed by path.
func NewFileSecretStore(path string, logger *slog.Logger) *FileSecretStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSecretStore{path: path, lock: defaultLockOptions, logger: logger}
}

// Path returns the backing file.
func (f *FileSecretStore) Path() string { return f.path }

func (f *FileSecretStore) Get(_ context.Context, key string) (string, error) {
	file, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := file.Secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileSecretStore) Set(ctx context.Context, key, value string) error {
	return f.update(ctx, func(secrets map[string]string) {
		secrets[key] = value
	})
}

func (f *FileSecretStore) Delete(ctx context.Context, key string) error {
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return nil
	}
	return f.update(ctx, func(secrets map[string]string) {
		delete(secrets, key)
	})
}

func (f *FileSecretStore) read() (secretFile, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return secretFile{}, ErrNotFound
	}
	if err != nil {
		return secretFile{}, fmt.Errorf("failed to read secret file: %w", err)
	}

	var file secretFile
	if err := json.Unmarshal(data, &file); err != nil {
		return secretFile{}, fmt.Errorf("failed to parse secret file: %w", err)
	}
	return file, nil
}

// update applies fn to the current secrets under the file lock and writes
// the result back. An unreadable file is replaced rather than merged.
func (f *FileSecretStore) update(ctx context.Context, fn func(map[string]string)) error {
	lock, err := acquireFileLock(ctx, f.path, f.lock)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.logger.Warn("failed to release secret file lock", "path", f.path, "error", releaseErr)
		}
	}()

	file, err := f.read()
	if err != nil && !errors.Is(err, ErrNotFound) {
		f.logger.Warn("secret file unreadable, starting fresh", "path", f.path, "error", err)
	}
	if file.Secrets == nil {
		file.Secrets = make(map[string]string)
	}

	fn(file.Secrets)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path, data, 0o600)
}
