// Package identity exchanges identity-provider artifacts for first-party
// tokens. It never touches the token store; callers persist the results.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/transport"
)

// Backend paths.
const (
	LoginPath   = "/api/v1/auth/apple-login"
	RefreshPath = "/api/v1/auth/token/refresh"
	MePath      = "/api/v1/auth/me"
)

// DefaultTimeout bounds login and refresh calls; both are interactive.
const DefaultTimeout = 10 * time.Second

// LoginResult is the outcome of a successful authorization-code exchange.
type LoginResult struct {
	Pair auth.TokenPair
	User *auth.User
}

// Exchange calls the backend login and refresh endpoints.
type Exchange struct {
	baseURL string
	doer    transport.Doer
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Exchange) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// NewExchange returns an Exchange against baseURL.
func NewExchange(baseURL string, doer transport.Doer, opts ...Option) *Exchange {
	e := &Exchange{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type loginRequest struct {
	AuthorizationCode string `json:"authorization_code"`
	FullName          string `json:"full_name,omitempty"`
	IdentityToken     string `json:"identity_token,omitempty"`
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	User         *auth.User `json:"user,omitempty"`
}

// errorResponse is the backend's error body.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// ExchangeAuthorizationCode trades a one-time authorization code for a token
// pair. displayName and identityToken are optional hints.
func (e *Exchange) ExchangeAuthorizationCode(
	ctx context.Context,
	code, displayName, identityToken string,
) (*LoginResult, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is empty", auth.ErrInvalidCredential)
	}

	e.logger.Debug("exchanging authorization code")
	resp, err := e.post(ctx, LoginPath, loginRequest{
		AuthorizationCode: code,
		FullName:          displayName,
		IdentityToken:     identityToken,
	}, loginFailure)
	if err != nil {
		return nil, err
	}

	if resp.RefreshToken == "" {
		return nil, fmt.Errorf("%w: invalid token response: refresh_token is empty", auth.ErrServerError)
	}
	return &LoginResult{Pair: resp.pair(), User: resp.User}, nil
}

// Refresh trades a refresh token for a new pair. If the backend does not
// rotate the refresh token, the old one is kept.
func (e *Exchange) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	if refreshToken == "" {
		return auth.TokenPair{}, fmt.Errorf("%w: no refresh token", auth.ErrRefreshExpired)
	}

	e.logger.Debug("refreshing access token", "refresh_token", auth.Preview(refreshToken))
	resp, err := e.post(ctx, RefreshPath, map[string]string{"refresh_token": refreshToken}, refreshFailure)
	if err != nil {
		return auth.TokenPair{}, err
	}

	pair := resp.pair()
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// loginFailure maps a login status: the server rejected the code.
func loginFailure(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return auth.ErrInvalidCredential
	default:
		return auth.ErrServerError
	}
}

// refreshFailure maps a refresh status. Only 401 means the refresh token is
// unusable; anything else keeps the session.
func refreshFailure(status int) error {
	if status == http.StatusUnauthorized {
		return auth.ErrRefreshExpired
	}
	return auth.ErrServerError
}

func (r tokenResponse) pair() auth.TokenPair {
	return auth.TokenPair{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}
}

func (e *Exchange) post(
	ctx context.Context,
	path string,
	body any,
	failure func(status int) error,
) (*tokenResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.doer.Do(req)
	if err != nil {
		return nil, auth.NetworkError(path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NetworkError(path, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &auth.StatusError{
			Kind:       failure(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     detailMessage(data),
			Err:        &oauth2.RetrieveError{Response: resp, Body: data},
		}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse token response: %w", auth.ErrServerError, err)
	}
	if err := tokenResp.pair().Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid token response: %w", auth.ErrServerError, err)
	}
	return &tokenResp, nil
}

// detailMessage extracts the backend "detail" field, which is a string for
// handled errors and a list of objects for validation errors.
func detailMessage(body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || len(errResp.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}

	var s string
	if err := json.Unmarshal(errResp.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(errResp.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return string(errResp.Detail)
}

// Authorizer presents the identity provider's sign-in UI and returns its
// authorization artifact, or auth.ErrCancelled if the user backed out.
type Authorizer interface {
	Authorize(ctx context.Context) (auth.Artifact, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) (auth.Artifact, error)

func (f AuthorizerFunc) Authorize(ctx context.Context) (auth.Artifact, error) { return f(ctx) }

// StaticAuthorizer returns an artifact obtained out of band, such as one
// pasted on the command line. An empty code counts as a cancellation.
type StaticAuthorizer auth.Artifact

func (s StaticAuthorizer) Authorize(ctx context.Context) (auth.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return auth.Artifact{}, err
	}
	if s.Code == "" {
		return auth.Artifact{}, auth.ErrCancelled
	}
	return auth.Artifact(s), nil
}

// IsCancelled reports whether err is a sign-in cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, auth.ErrCancelled)
}
