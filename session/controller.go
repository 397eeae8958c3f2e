// Package session owns the authentication state machine: startup check,
// login, logout, revalidation and the hand-off to background sync.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/executor"
	"github.com/follo-ai/session-cli/identity"
	"github.com/follo-ai/session-cli/metrics"
	"github.com/follo-ai/session-cli/tokenstore"
)

// DefaultValidateTimeout bounds the /auth/me call made during validation.
const DefaultValidateTimeout = 10 * time.Second

// TokenStore is the part of tokenstore.Store the controller needs.
type TokenStore interface {
	Load(ctx context.Context) (auth.Credential, error)
	SavePair(ctx context.Context, pair auth.TokenPair, userID int64) error
	ClearAll(ctx context.Context) error
	Generation() uint64
}

// Exchanger turns an authorization artifact into tokens.
type Exchanger interface {
	ExchangeAuthorizationCode(ctx context.Context, code, displayName, identityToken string) (*identity.LoginResult, error)
}

// Requester sends authenticated requests.
type Requester interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Response, error)
	Refresh(ctx context.Context) error
}

// ProfileCache holds the last known user for instant display.
type ProfileCache interface {
	Load() (tokenstore.Profile, error)
	Save(user auth.User) error
	Clear() error
}

// Syncer is started, not awaited, after each successful authentication.
type Syncer interface {
	AuthenticateAndSync(ctx context.Context)
}

// Controller is the session state machine. Use New; the zero value is not
// usable.
type Controller struct {
	store           TokenStore
	exchange        Exchanger
	requester       Requester
	profile         ProfileCache
	logger          *slog.Logger
	metrics         *metrics.Metrics
	validateTimeout time.Duration

	startupGroup singleflight.Group
	syncWG       sync.WaitGroup

	// emitMu serialises transitions so listeners observe them in order.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	initialized bool
	epoch       uint64 // advanced by every logout or expiry
	cached      *auth.User
	syncer      Syncer
	listeners   map[int]func(State)
	nextID      int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records state transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithProfileCache enables the plaintext user cache.
func WithProfileCache(p ProfileCache) Option {
	return func(c *Controller) { c.profile = p }
}

// WithSyncer sets the background syncer.
func WithSyncer(s Syncer) Option {
	return func(c *Controller) { c.syncer = s }
}

// WithValidateTimeout overrides DefaultValidateTimeout.
func WithValidateTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.validateTimeout = d
		}
	}
}

// New returns a Controller in the Uninitialized state.
func New(store TokenStore, exchange Exchanger, requester Requester, opts ...Option) *Controller {
	c := &Controller{
		store:           store,
		exchange:        exchange,
		requester:       requester,
		logger:          slog.Default(),
		validateTimeout: DefaultValidateTimeout,
		listeners:       make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSyncer replaces the background syncer. The syncer usually needs the
// controller as its gate, so it is attached after construction.
func (c *Controller) SetSyncer(s Syncer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncer = s
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAuthenticated reports whether the session is usable right now.
func (c *Controller) IsAuthenticated() bool {
	return c.State().Kind == Authenticated
}

// IsInitialized reports whether the first check has resolved. Once true it
// stays true for the life of the controller.
func (c *Controller) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// CachedUser returns the best known user: the fetched one once available,
// otherwise the cached profile loaded at startup.
func (c *Controller) CachedUser() *auth.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind == Authenticated && c.state.User != nil {
		u := *c.state.User
		return &u
	}
	if c.cached == nil {
		return nil
	}
	u := *c.cached
	return &u
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn runs synchronously and must not trigger transitions.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Wait blocks until background syncs started by the controller return.
func (c *Controller) Wait() {
	c.syncWG.Wait()
}

// Startup checks the stored credential against the backend. Concurrent
// calls share one check; calling it while Authenticated is a no-op.
func (c *Controller) Startup(ctx context.Context) error {
	_, err, _ := c.startupGroup.Do("startup", func() (any, error) {
		return nil, c.startup(ctx)
	})
	return err
}

func (c *Controller) startup(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Kind == Authenticated {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	c.loadCachedProfile()
	c.transition(State{Kind: Checking}, nil)

	cred, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, tokenstore.ErrNotFound) || (err == nil && cred.AccessToken == ""):
		c.logger.Info("no stored session")
		c.transition(unauthenticatedState(ReasonNone), nil)
		return nil
	case err != nil:
		c.logger.Warn("stored credential unreadable, discarding", "error", err)
		c.demote(ctx, ReasonNone)
		return nil
	}

	user, err := c.fetchUser(ctx)
	if err != nil {
		return c.validationFailed(ctx, epoch, err)
	}
	return c.authenticated(ctx, epoch, *user)
}

// SignIn presents the identity provider through authorizer and logs in with
// its artifact. A cancelled sign-in returns auth.ErrCancelled and leaves the
// state untouched.
func (c *Controller) SignIn(ctx context.Context, authorizer identity.Authorizer) (*auth.User, error) {
	if c.IsAuthenticated() {
		return c.CachedUser(), nil
	}

	artifact, err := authorizer.Authorize(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrCancelled) {
			c.logger.Info("sign in cancelled")
			return nil, err
		}
		c.transition(errorState(fmt.Errorf("sign in failed: %w", err), true), nil)
		return nil, err
	}
	return c.Login(ctx, artifact)
}

// Login exchanges artifact for tokens, persists them and moves to
// Authenticated. It is a no-op returning the current user if already
// authenticated.
func (c *Controller) Login(ctx context.Context, artifact auth.Artifact) (*auth.User, error) {
	c.mu.Lock()
	if c.state.Kind == Authenticated && c.state.User != nil {
		u := *c.state.User
		c.mu.Unlock()
		return &u, nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	res, err := c.exchange.ExchangeAuthorizationCode(ctx, artifact.Code, artifact.DisplayName, artifact.IdentityToken)
	if err != nil {
		c.logger.Warn("login failed", "error", err)
		if auth.IsTransient(err) {
			c.transition(errorState(err, true), nil)
		} else {
			c.transition(unauthenticatedState(ReasonNone), nil)
		}
		return nil, err
	}

	var userID int64
	if res.User != nil {
		userID = res.User.ID
	}
	if err := c.whileCurrent(epoch, func() error {
		return c.store.SavePair(ctx, res.Pair, userID)
	}); err != nil {
		return nil, err
	}

	user := res.User
	if user == nil {
		if user, err = c.fetchUser(ctx); err != nil {
			return nil, c.validationFailed(ctx, epoch, err)
		}
	}
	if err := c.authenticated(ctx, epoch, *user); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout clears the stored session. Background sync is not stopped; it
// re-checks the session before doing work and is not started again until
// the next authentication.
func (c *Controller) Logout(ctx context.Context) error {
	var clearErr error
	c.transition(unauthenticatedState(ReasonNone), func() error {
		c.epoch++
		clearErr = c.clear(ctx)
		return nil
	})
	c.logger.Info("logged out")
	return clearErr
}

// Revalidate re-fetches the user for an authenticated session. Transient
// failures keep the session and are returned; credential failures demote it.
func (c *Controller) Revalidate(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Kind != Authenticated {
		c.mu.Unlock()
		return auth.ErrNotAuthenticated
	}
	epoch := c.epoch
	c.mu.Unlock()

	user, err := c.fetchUser(ctx)
	if err != nil {
		if auth.IsTransient(err) {
			c.logger.Warn("revalidation failed, keeping session", "error", err)
			return err
		}
		return c.validationFailed(ctx, epoch, err)
	}

	c.transition(authenticatedState(*user), func() error {
		if c.state.Kind != Authenticated {
			return auth.ErrSessionEnded
		}
		return nil
	})
	c.saveProfile(*user)
	return nil
}

// Refresh forces a coordinated token refresh for an authenticated session.
func (c *Controller) Refresh(ctx context.Context) error {
	if !c.IsAuthenticated() {
		return auth.ErrNotAuthenticated
	}
	return c.requester.Refresh(ctx)
}

// Expire demotes the session to Unauthenticated(expired) after a refresh
// starting from store generation gen failed with a credential error. It is
// ignored if the store has been written since.
func (c *Controller) Expire(gen uint64, err error) {
	c.logger.Warn("session expired", "error", err)
	c.transition(unauthenticatedState(ReasonExpired), func() error {
		if c.store.Generation() != gen {
			return auth.ErrSessionEnded
		}
		c.epoch++
		if clearErr := c.clear(context.Background()); clearErr != nil {
			c.logger.Error("failed to clear token store", "error", clearErr)
		}
		return nil
	})
}

// validationFailed applies the demotion policy to a failed /auth/me call
// made by an operation that began at epoch. A logout or expiry since then
// has already settled the state, so nothing is applied.
func (c *Controller) validationFailed(ctx context.Context, epoch uint64, err error) error {
	var httpErr *executor.HTTPError
	var next State
	var clearStore bool
	switch {
	case errors.Is(err, auth.ErrSessionEnded), errors.Is(err, auth.ErrNotAuthenticated):
		// the credential vanished without a logout here: another process
		// cleared the shared store
		next, clearStore = unauthenticatedState(ReasonNone), true
	case auth.IsTransient(err):
		c.logger.Warn("session check failed", "error", err)
		next = errorState(err, true)
	case auth.IsCredential(err):
		next, clearStore = unauthenticatedState(ReasonExpired), true
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden:
		next, clearStore = unauthenticatedState(ReasonRevoked), true
	default:
		c.logger.Error("session check failed", "error", err)
		next = errorState(err, false)
	}

	c.transition(next, func() error {
		if c.epoch != epoch {
			return auth.ErrSessionEnded
		}
		if clearStore {
			c.epoch++
			if clearErr := c.clear(ctx); clearErr != nil {
				c.logger.Error("failed to clear token store", "error", clearErr)
			}
		}
		return nil
	})
	return err
}

// demote clears the store and moves to Unauthenticated(reason).
func (c *Controller) demote(ctx context.Context, reason Reason) {
	c.transition(unauthenticatedState(reason), func() error {
		c.epoch++
		if err := c.clear(ctx); err != nil {
			c.logger.Error("failed to clear token store", "error", err)
		}
		return nil
	})
}

// authenticated moves to Authenticated unless a logout happened since epoch
// was read, then starts the background sync.
func (c *Controller) authenticated(ctx context.Context, epoch uint64, user auth.User) error {
	if err := c.transition(authenticatedState(user), func() error {
		if c.epoch != epoch {
			return auth.ErrSessionEnded
		}
		return nil
	}); err != nil {
		c.logger.Info("session ended before authentication completed")
		return err
	}

	c.saveProfile(user)
	c.startSync(ctx, epoch)
	return nil
}

// startSync launches the syncer if the session begun at epoch is still the
// current, authenticated one.
func (c *Controller) startSync(ctx context.Context, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncer == nil || c.epoch != epoch || c.state.Kind != Authenticated {
		return
	}

	syncer := c.syncer
	syncCtx := context.WithoutCancel(ctx)
	c.syncWG.Add(1)
	go func() {
		defer c.syncWG.Done()
		syncer.AuthenticateAndSync(syncCtx)
	}()
}

// whileCurrent runs fn under the state lock if no logout happened since
// epoch was read.
func (c *Controller) whileCurrent(epoch uint64, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return auth.ErrSessionEnded
	}
	return fn()
}

// transition moves to s. guard, when set, runs under the state lock and can
// veto the transition by returning an error.
func (c *Controller) transition(s State, guard func() error) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if guard != nil {
		if err := guard(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	changed := !c.state.equal(s)
	prev := c.state
	if changed {
		c.state = s
	}
	if s.resolved() {
		c.initialized = true
	}
	listeners := make([]func(State), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	if !changed {
		return nil
	}

	c.metrics.Transition(s.Kind.String())
	c.logger.Debug("session state changed", "from", prev.String(), "to", s.String())
	for _, l := range listeners {
		l(s)
	}
	return nil
}

func (c *Controller) fetchUser(ctx context.Context) (*auth.User, error) {
	resp, err := c.requester.Execute(ctx, executor.Request{
		Method:  http.MethodGet,
		Path:    identity.MePath,
		Timeout: c.validateTimeout,
	})
	if err != nil {
		return nil, err
	}

	var user auth.User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// clear must be called with mu held.
func (c *Controller) clear(ctx context.Context) error {
	c.cached = nil
	if c.profile != nil {
		if err := c.profile.Clear(); err != nil {
			c.logger.Warn("failed to clear profile cache", "error", err)
		}
	}
	return c.store.ClearAll(ctx)
}

func (c *Controller) loadCachedProfile() {
	if c.profile == nil {
		return
	}
	p, err := c.profile.Load()
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			c.logger.Debug("profile cache unavailable", "error", err)
		}
		return
	}
	c.mu.Lock()
	c.cached = &p.User
	c.mu.Unlock()
}

func (c *Controller) saveProfile(user auth.User) {
	c.mu.Lock()
	c.cached = &user
	c.mu.Unlock()
	if c.profile == nil {
		return
	}
	if err := c.profile.Save(user); err != nil {
		c.logger.Warn("failed to cache profile", "error", err)
	}
}
