package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/follo-ai/session-cli/auth"
)

// Profile is the cached identity record shown before the backend answers.
type Profile struct {
	User    auth.User `json:"user"`
	SavedAt time.Time `json:"saved_at"`
}

// ProfileCache is a plaintext, best-effort copy of the last fetched user.
// It is never a source of truth.
type ProfileCache struct {
	path string
	mu   sync.Mutex
}

// NewProfileCache returns a cache stored at path.
func NewProfileCache(path string) *ProfileCache {
	return &ProfileCache{path: path}
}

// Load returns the cached profile, or ErrNotFound.
func (c *ProfileCache) Load() (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile cache: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse profile cache: %w", err)
	}
	return p, nil
}

// Save overwrites the cached profile. Writers in other processes are
// serialized through the same lock file the secret store uses.
func (c *ProfileCache) Save(user auth.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(Profile{User: user, SavedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}

	lock, err := acquireFileLock(context.Background(), c.path, defaultLockOptions)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = lock.release() }()

	return writeFileAtomic(c.path, data, 0o600)
}

// Clear removes the cached profile. It is idempotent.
func (c *ProfileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, err := acquireFileLock(context.Background(), c.path, defaultLockOptions)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = lock.release() }()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove profile cache: %w", err)
	}
	return nil
}
