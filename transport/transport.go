// Package transport provides the HTTP request-execution collaborator used by
// the identity and executor packages.
package transport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
)

// RequestIDHeader carries a per-dispatch correlation id.
const RequestIDHeader = "X-Request-ID"

// Doer executes a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Retrying adapts a go-httpretry client. Network errors and 5xx responses
// are retried by the client; 4xx responses, including 401, are returned as is.
type Retrying struct {
	client *retry.Client
}

// NewRetrying wraps an existing retry client.
func NewRetrying(client *retry.Client) *Retrying {
	return &Retrying{client: client}
}

func (r *Retrying) Do(req *http.Request) (*http.Response, error) {
	return r.client.DoWithContext(req.Context(), req)
}

// NewDefault builds the production transport: TLS 1.2+ with pooled
// connections behind a retrying client, stamping each request with an id.
func NewDefault() (Doer, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	client, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return WithRequestID(NewRetrying(client)), nil
}

// WithRequestID sets X-Request-ID on requests that do not carry one.
func WithRequestID(next Doer) Doer {
	return DoerFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get(RequestIDHeader) == "" {
			req.Header.Set(RequestIDHeader, uuid.NewString())
		}
		return next.Do(req)
	})
}
