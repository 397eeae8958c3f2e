package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrInvalidCredential means the backend rejected the login artifact.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrUnauthorized means the access token was rejected even after a refresh.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRefreshExpired means the refresh token itself is invalid or expired.
	ErrRefreshExpired = errors.New("refresh token expired or invalid")
	// ErrNetworkTimeout means a call exceeded its timeout budget.
	ErrNetworkTimeout = errors.New("network timeout")
	// ErrNetworkUnreachable means the backend could not be reached.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrServerError means the backend answered with a 5xx or unexpected status.
	ErrServerError = errors.New("server error")
	// ErrStorageCorrupt means the stored credential could not be decoded.
	ErrStorageCorrupt = errors.New("stored credential is corrupt")
	// ErrCancelled means the user dismissed the sign-in sheet.
	ErrCancelled = errors.New("sign in cancelled")
	// ErrNotAuthenticated means there is no access token to send.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSessionEnded means the session was logged out or replaced while a
	// refresh was in flight; the refresh result was discarded.
	ErrSessionEnded = fmt.Errorf("session ended: %w", ErrUnauthorized)
)

// StatusError is a typed failure carrying the HTTP status and the backend's
// detail message.
type StatusError struct {
	Kind       error
	StatusCode int
	Detail     string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%v (status %d)", e.Kind, e.StatusCode)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *StatusError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NetworkError classifies a transport failure as a timeout or as unreachable.
func NetworkError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, http.ErrHandlerTimeout) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", op, ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnreachable, err)
}

// IsTransient reports whether err is a network- or server-class failure that
// must not demote an authenticated session.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkTimeout) ||
		errors.Is(err, ErrNetworkUnreachable) ||
		errors.Is(err, ErrServerError)
}

// IsCredential reports whether err means the session's credentials are no
// longer usable.
func IsCredential(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrRefreshExpired) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrStorageCorrupt)
}
