package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/follo-ai/session-cli/auth"
)

// Kind selects one of the two stored tokens.
type Kind int

const (
	Access Kind = iota
	Refresh
)

func (k Kind) String() string {
	switch k {
	case Access:
		return "access"
	case Refresh:
		return "refresh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// credentialKey holds the whole credential record as a single secret so the
// two tokens can never be observed out of step.
const credentialKey = "session.credential"

// Store is the typed token store layered over a SecretStore.
//
// Every write or clear advances a generation counter. ReplaceIf persists a
// refreshed pair only when the generation it started from is still current,
// which is how a logout (or a new login) wins over a refresh that was
// already in flight.
type Store struct {
	secrets SecretStore
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	gen uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used for LastRefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store persisting into secrets.
func New(secrets SecretStore, opts ...Option) *Store {
	s := &Store{secrets: secrets, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stored credential. It returns ErrNotFound when nothing is
// stored and auth.ErrStorageCorrupt when the record cannot be decoded.
func (s *Store) Load(ctx context.Context) (auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(ctx)
}

// Snapshot returns the credential together with the generation it belongs to.
func (s *Store) Snapshot(ctx context.Context) (auth.Credential, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, err := s.load(ctx)
	return cred, s.gen, err
}

// Get returns one token. Any failure reads as absent.
func (s *Store) Get(ctx context.Context, kind Kind) (string, bool) {
	cred, err := s.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("token store read failed", "kind", kind, "error", err)
		}
		return "", false
	}

	var v string
	switch kind {
	case Access:
		v = cred.AccessToken
	case Refresh:
		v = cred.RefreshToken
	}
	return v, v != ""
}

// Set replaces one token, rewriting the whole record.
func (s *Store) Set(ctx context.Context, kind Kind, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("replacing unreadable credential", "error", err)
		cred = auth.Credential{}
	}

	switch kind {
	case Access:
		cred.AccessToken = value
	case Refresh:
		cred.RefreshToken = value
	default:
		return fmt.Errorf("unknown token kind %v", kind)
	}
	cred.LastRefreshedAt = s.now()
	return s.write(ctx, cred)
}

// SavePair replaces the stored credential wholesale, as after a login.
func (s *Store) SavePair(ctx context.Context, pair auth.TokenPair, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(ctx, auth.Credential{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		TokenType:       pair.TokenType,
		UserID:          userID,
		LastRefreshedAt: s.now(),
	})
}

// ReplaceIf stores a refreshed pair if gen is still the current generation.
// It reports whether the pair was stored.
func (s *Store) ReplaceIf(ctx context.Context, gen uint64, pair auth.TokenPair) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return false, nil
	}

	// a refresh keeps the owner of the record
	var userID int64
	if cred, err := s.load(ctx); err == nil {
		userID = cred.UserID
	}

	err := s.write(ctx, auth.Credential{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		TokenType:       pair.TokenType,
		UserID:          userID,
		LastRefreshedAt: s.now(),
	})
	return err == nil, err
}

// ClearAll removes every stored token. It is idempotent.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if err := s.secrets.Delete(ctx, credentialKey); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// Generation returns the current write generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *Store) load(ctx context.Context) (auth.Credential, error) {
	raw, err := s.secrets.Get(ctx, credentialKey)
	if errors.Is(err, ErrNotFound) {
		return auth.Credential{}, ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, fmt.Errorf("%w: %w", auth.ErrStorageCorrupt, err)
	}

	var cred auth.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return auth.Credential{}, fmt.Errorf("%w: %w", auth.ErrStorageCorrupt, err)
	}
	return cred, nil
}

// write must be called with mu held.
func (s *Store) write(ctx context.Context, cred auth.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	s.gen++
	if err := s.secrets.Set(ctx, credentialKey, string(data)); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}
