package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/metrics"
	"github.com/follo-ai/session-cli/tokenstore"
)

// fakeRefresher counts refresh calls and delegates to fn.
type fakeRefresher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, refreshToken string) (auth.TokenPair, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	f.calls.Add(1)
	return f.fn(ctx, refreshToken)
}

func newPair(access, refresh string) auth.TokenPair {
	return auth.TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}
}

func rotateTo(pair auth.TokenPair) *fakeRefresher {
	return &fakeRefresher{fn: func(context.Context, string) (auth.TokenPair, error) { return pair, nil }}
}

// tokenServer answers 200 for validToken and 401 for anything else.
type tokenServer struct {
	*httptest.Server
	mu         sync.Mutex
	validToken string
	seen       []string
	rejected   atomic.Int32
}

func newTokenServer(t *testing.T, validToken string) *tokenServer {
	t.Helper()
	ts := &tokenServer{validToken: validToken}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ts.mu.Lock()
		ts.seen = append(ts.seen, token)
		valid := ts.validToken
		ts.mu.Unlock()

		if token != valid {
			ts.rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "token": token})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) tokens() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.seen...)
}

func newStore(t *testing.T, pair auth.TokenPair) *tokenstore.Store {
	t.Helper()
	store := tokenstore.New(tokenstore.NewMemorySecretStore())
	if pair.AccessToken != "" {
		require.NoError(t, store.SavePair(context.Background(), pair, 1))
	}
	return store
}

func TestExecute_AttachesBearerToken(t *testing.T) {
	server := newTokenServer(t, "valid")
	store := newStore(t, newPair("valid", "r"))
	refresher := rotateTo(newPair("unused", "unused"))
	exec := New(server.URL, server.Client(), store, refresher)

	resp, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v1/auth/me"})
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "valid", body["token"])
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestExecute_NoTokenDoesNotDispatch(t *testing.T) {
	server := newTokenServer(t, "valid")
	exec := New(server.URL, server.Client(), newStore(t, auth.TokenPair{}), rotateTo(newPair("a", "b")))

	_, err := exec.Execute(context.Background(), Request{Path: "/x"})
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Empty(t, server.tokens())
}

func TestExecute_RefreshesAndRetriesOnce(t *testing.T) {
	server := newTokenServer(t, "fresh")
	store := newStore(t, newPair("stale", "refresh-1"))
	refresher := &fakeRefresher{fn: func(_ context.Context, rt string) (auth.TokenPair, error) {
		assert.Equal(t, "refresh-1", rt)
		return newPair("fresh", "refresh-2"), nil
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	exec := New(server.URL, server.Client(), store, refresher, WithMetrics(m))

	_, err := exec.Execute(context.Background(), Request{Path: "/api/v1/auth/me"})
	require.NoError(t, err)

	assert.Equal(t, []string{"stale", "fresh"}, server.tokens())
	assert.Equal(t, int32(1), refresher.calls.Load())

	access, _ := store.Get(context.Background(), tokenstore.Access)
	refresh, _ := store.Get(context.Background(), tokenstore.Refresh)
	assert.Equal(t, "fresh", access)
	assert.Equal(t, "refresh-2", refresh)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues(metrics.RefreshOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("200")))

	// later unrelated calls use the new token straight away
	_, err = exec.Execute(context.Background(), Request{Path: "/api/v1/events/upcoming"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", server.tokens()[2])
}

func TestExecute_ConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	const callers = 10

	server := newTokenServer(t, "fresh")
	store := newStore(t, newPair("stale", "refresh-1"))

	// hold the refresh until every caller has been rejected
	refresher := &fakeRefresher{fn: func(ctx context.Context, _ string) (auth.TokenPair, error) {
		deadline := time.After(5 * time.Second)
		for server.rejected.Load() < callers {
			select {
			case <-deadline:
				return auth.TokenPair{}, errors.New("callers never arrived")
			case <-time.After(5 * time.Millisecond):
			}
		}
		return newPair("fresh", "refresh-2"), nil
	}}
	exec := New(server.URL, server.Client(), store, refresher)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := exec.Execute(context.Background(), Request{Path: "/api/v1/events/sync", Method: http.MethodPost})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), refresher.calls.Load(), "exactly one refresh reaches the identity exchange")

	var retried int
	for _, tok := range server.tokens() {
		if tok != "stale" {
			assert.Equal(t, "fresh", tok)
			retried++
		}
	}
	assert.Equal(t, callers, retried)
}

func TestExecute_SecondUnauthorizedIsTerminal(t *testing.T) {
	server := newTokenServer(t, "never-valid")
	store := newStore(t, newPair("stale", "refresh-1"))
	refresher := rotateTo(newPair("fresh", "refresh-2"))
	exec := New(server.URL, server.Client(), store, refresher)

	_, err := exec.Execute(context.Background(), Request{Path: "/api/v1/auth/me"})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Len(t, server.tokens(), 2, "one retry, no loop")
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestExecute_RefreshExpiredSignalsHandler(t *testing.T) {
	server := newTokenServer(t, "fresh")
	store := newStore(t, newPair("stale", "refresh-1"))
	refresher := &fakeRefresher{fn: func(context.Context, string) (auth.TokenPair, error) {
		return auth.TokenPair{}, &auth.StatusError{Kind: auth.ErrRefreshExpired, StatusCode: 401}
	}}
	exec := New(server.URL, server.Client(), store, refresher)

	var signalled atomic.Int32
	exec.SetExpiredHandler(func(_ uint64, err error) {
		signalled.Add(1)
		assert.ErrorIs(t, err, auth.ErrRefreshExpired)
	})

	_, err := exec.Execute(context.Background(), Request{Path: "/api/v1/auth/me"})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.ErrorIs(t, err, auth.ErrRefreshExpired)
	assert.Equal(t, int32(1), signalled.Load())
}

func TestExecute_TransientRefreshFailureKeepsSession(t *testing.T) {
	server := newTokenServer(t, "fresh")
	store := newStore(t, newPair("stale", "refresh-1"))
	refresher := &fakeRefresher{fn: func(context.Context, string) (auth.TokenPair, error) {
		return auth.TokenPair{}, auth.NetworkError("refresh", context.DeadlineExceeded)
	}}
	exec := New(server.URL, server.Client(), store, refresher)
	exec.SetExpiredHandler(func(uint64, error) { t.Error("transient failure must not expire the session") })

	_, err := exec.Execute(context.Background(), Request{Path: "/api/v1/auth/me"})
	assert.ErrorIs(t, err, auth.ErrNetworkTimeout)
	assert.False(t, errors.Is(err, auth.ErrUnauthorized))

	_, ok := store.Get(context.Background(), tokenstore.Access)
	assert.True(t, ok, "tokens survive a transient refresh failure")
}

func TestExecute_LogoutDuringRefreshDiscardsResult(t *testing.T) {
	server := newTokenServer(t, "fresh")
	store := newStore(t, newPair("stale", "refresh-1"))

	started := make(chan struct{})
	release := make(chan struct{})
	refresher := &fakeRefresher{fn: func(context.Context, string) (auth.TokenPair, error) {
		close(started)
		<-release
		return newPair("fresh", "refresh-2"), nil
	}}
	exec := New(server.URL, server.Client(), store, refresher)

	done := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), Request{Path: "/api/v1/auth/me"})
		done <- err
	}()

	<-started
	require.NoError(t, store.ClearAll(context.Background()))
	close(release)

	err := <-done
	assert.ErrorIs(t, err, auth.ErrSessionEnded)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, ok := store.Get(context.Background(), tokenstore.Access)
	assert.False(t, ok, "refreshed tokens must not resurrect the session")
	_, ok = store.Get(context.Background(), tokenstore.Refresh)
	assert.False(t, ok)
}

func TestExecute_NonUnauthorizedErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		serverClass bool
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "forbidden", status: http.StatusForbidden},
		{name: "server error", status: http.StatusInternalServerError, serverClass: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"detail":"nope"}`))
			}))
			defer server.Close()

			refresher := rotateTo(newPair("x", "y"))
			exec := New(server.URL, server.Client(), newStore(t, newPair("a", "r")), refresher)

			_, err := exec.Execute(context.Background(), Request{Path: "/p"})
			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, tt.serverClass, errors.Is(err, auth.ErrServerError))
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, int32(0), refresher.calls.Load())
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	exec := New(server.URL, server.Client(), newStore(t, newPair("a", "r")), rotateTo(newPair("x", "y")))
	_, err := exec.Execute(context.Background(), Request{Path: "/slow", Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, auth.ErrNetworkTimeout)
}

func TestExecute_DefaultRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	exec := New(server.URL, server.Client(), newStore(t, newPair("a", "r")), rotateTo(newPair("x", "y")),
		WithRequestTimeout(50*time.Millisecond))
	_, err := exec.Execute(context.Background(), Request{Path: "/slow"})
	assert.ErrorIs(t, err, auth.ErrNetworkTimeout)
}

func TestExecute_EncodesQueryAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "5", r.URL.Query().Get("days"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))

		var body map[string]int
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3, body["n"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	exec := New(server.URL+"/", server.Client(), newStore(t, newPair("a", "r")), rotateTo(newPair("x", "y")))
	resp, err := exec.Execute(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/items",
		Query:  map[string][]string{"days": {"5"}},
		Body:   map[string]int{"n": 3},
		Header: http.Header{"X-Custom": {"yes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRefresh_ForcedRefresh(t *testing.T) {
	store := newStore(t, newPair("current", "refresh-1"))
	refresher := rotateTo(newPair("next", "refresh-2"))
	exec := New("http://unused", http.DefaultClient, store, refresher)

	require.NoError(t, exec.Refresh(context.Background()))
	access, _ := store.Get(context.Background(), tokenstore.Access)
	assert.Equal(t, "next", access)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestTokenSource(t *testing.T) {
	store := newStore(t, newPair("current", "refresh-1"))
	exec := New("http://unused", http.DefaultClient, store, rotateTo(newPair("x", "y")))

	tok, err := exec.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "current", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())

	require.NoError(t, store.ClearAll(context.Background()))
	_, err = exec.TokenSource(context.Background()).Token()
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
}
