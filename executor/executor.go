// Package executor sends authenticated requests to the backend, refreshing
// the access token at most once per call when the backend answers 401.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/metrics"
	"github.com/follo-ai/session-cli/tokenstore"
	"github.com/follo-ai/session-cli/transport"
)

// Timeout configuration
const (
	DefaultRequestTimeout = 300 * time.Second
	MaxRequestTimeout     = 300 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)

const refreshKey = "refresh"

// TokenStore is the part of tokenstore.Store the executor needs.
type TokenStore interface {
	Get(ctx context.Context, kind tokenstore.Kind) (string, bool)
	Snapshot(ctx context.Context) (auth.Credential, uint64, error)
	ReplaceIf(ctx context.Context, gen uint64, pair auth.TokenPair) (bool, error)
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
}

// Request describes an authenticated call. It never carries a token.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Header  http.Header
	Timeout time.Duration
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// HTTPError is returned for non-2xx statuses other than a handled 401.
// A 5xx HTTPError matches auth.ErrServerError.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

func (e *HTTPError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError {
		return auth.ErrServerError
	}
	return nil
}

// Executor attaches the current access token to requests and coordinates
// refreshes across concurrent callers.
type Executor struct {
	baseURL        string
	doer           transport.Doer
	store          TokenStore
	refresher      Refresher
	requestTimeout time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	group singleflight.Group

	mu        sync.RWMutex
	onExpired func(gen uint64, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records request and refresh counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRefreshTimeout bounds the shared refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.refreshTimeout = d
		}
	}
}

// WithRequestTimeout sets the budget for requests that do not carry their
// own. It is capped at MaxRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.requestTimeout = min(d, MaxRequestTimeout)
		}
	}
}

// New returns an Executor for baseURL.
func New(baseURL string, doer transport.Doer, store TokenStore, refresher Refresher, opts ...Option) *Executor {
	e := &Executor{
		baseURL:        strings.TrimRight(baseURL, "/"),
		doer:           doer,
		store:          store,
		refresher:      refresher,
		requestTimeout: DefaultRequestTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetExpiredHandler registers fn to be told when a refresh fails because the
// session's credentials are no longer usable. gen is the store generation
// the failed refresh started from.
func (e *Executor) SetExpiredHandler(fn func(gen uint64, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExpired = fn
}

// Execute sends req with the stored access token. On a 401 it refreshes
// (sharing one in-flight refresh with every other caller) and retries once.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	token, ok := e.store.Get(ctx, tokenstore.Access)
	if !ok {
		return nil, auth.ErrNotAuthenticated
	}

	resp, err := e.dispatch(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(resp)
	}

	e.logger.Info("access token rejected, refreshing", "path", req.Path)
	fresh, err := e.refreshAfter(ctx, token)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("token refreshed, retrying", "path", req.Path)
	resp, err = e.dispatch(ctx, req, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s rejected a freshly refreshed token", auth.ErrUnauthorized, req.Path)
	}
	return checkStatus(resp)
}

// Refresh forces a coordinated refresh regardless of the current token.
func (e *Executor) Refresh(ctx context.Context) error {
	_, err := e.refreshAfter(ctx, "")
	return err
}

// refreshAfter returns an access token newer than rejected. Concurrent
// callers share a single refresh call.
func (e *Executor) refreshAfter(ctx context.Context, rejected string) (string, error) {
	ch := e.group.DoChan(refreshKey, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.refreshTimeout)
		defer cancel()
		return e.refresh(rctx, rejected)
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", auth.NetworkError("refresh", ctx.Err())
		}
		return "", fmt.Errorf("waiting for token refresh: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (e *Executor) refresh(ctx context.Context, rejected string) (string, error) {
	cred, gen, err := e.store.Snapshot(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return "", auth.ErrSessionEnded
	}
	if err != nil {
		e.expired(gen, err)
		return "", fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
	}

	// another caller already replaced the rejected token
	if rejected != "" && cred.AccessToken != rejected {
		return cred.AccessToken, nil
	}

	pair, err := e.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if auth.IsTransient(err) {
			e.metrics.Refresh(metrics.RefreshTransient)
			e.logger.Warn("token refresh failed", "error", err)
			return "", err
		}
		e.metrics.Refresh(metrics.RefreshExpired)
		e.logger.Warn("refresh token rejected", "error", err)
		e.expired(gen, err)
		return "", fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
	}

	stored, err := e.store.ReplaceIf(ctx, gen, pair)
	if err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	if !stored {
		e.metrics.Refresh(metrics.RefreshDiscarded)
		e.logger.Info("session changed during refresh, discarding refreshed tokens")
		return "", auth.ErrSessionEnded
	}

	e.metrics.Refresh(metrics.RefreshOK)
	e.logger.Info("token refreshed", "access_token", pair.Preview())
	return pair.AccessToken, nil
}

func (e *Executor) expired(gen uint64, err error) {
	e.mu.RLock()
	fn := e.onExpired
	e.mu.RUnlock()
	if fn != nil {
		fn(gen, err)
	}
}

func (e *Executor) dispatch(ctx context.Context, req Request, token string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.requestTimeout
	}
	timeout = min(timeout, MaxRequestTimeout)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	target := e.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.doer.Do(httpReq)
	if err != nil {
		e.metrics.Request(0)
		return nil, auth.NetworkError(req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NetworkError(req.Path, fmt.Errorf("failed to read response: %w", err))
	}
	e.metrics.Request(resp.StatusCode)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func encodeBody(v any) (io.Reader, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case json.RawMessage:
		return bytes.NewReader(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return bytes.NewReader(data), nil
	}
}

func checkStatus(resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, &HTTPError{StatusCode: resp.StatusCode, Body: resp.Body}
}

// TokenSource exposes the stored access token to golang.org/x/oauth2
// consumers. Each Token call reads the store, so refreshes are visible at
// once.
func (e *Executor) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, store: e.store}
}

type tokenSource struct {
	ctx   context.Context
	store TokenStore
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	cred, _, err := ts.store.Snapshot(ts.ctx)
	if errors.Is(err, tokenstore.ErrNotFound) || (err == nil && cred.AccessToken == "") {
		return nil, auth.ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	return cred.Pair().Token(), nil
}
