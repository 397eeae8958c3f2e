package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/follo-ai/session-cli/eventsync"
	"github.com/follo-ai/session-cli/identity"
	"github.com/follo-ai/session-cli/transport"
)

// fakeBackend implements the auth and events endpoints the CLI uses.
type fakeBackend struct {
	*httptest.Server

	mu     sync.Mutex
	access string

	syncCalls     atomic.Int32
	autoSyncCalls atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	mux := http.NewServeMux()

	mux.HandleFunc(identity.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["authorization_code"] != "apple-code" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid Apple authorization code"})
			return
		}
		b.mu.Lock()
		b.access = "access-token-1"
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-token-1",
			"refresh_token": "refresh-token-1",
			"token_type":    "bearer",
		})
	})
	mux.HandleFunc(identity.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.access = "access-token-2"
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-token-2",
			"refresh_token": "refresh-token-2",
			"token_type":    "bearer",
		})
	})
	mux.HandleFunc(identity.MePath, b.authed(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": 1, "username": "alice", "email": "a@x.com", "is_active": true,
		})
	}))
	mux.HandleFunc(eventsync.SyncPath, b.authed(func(w http.ResponseWriter, r *http.Request) {
		b.syncCalls.Add(1)
		var req struct {
			Events []eventsync.Event `json:"events"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "message": "ok", "synced_count": len(req.Events),
		})
	}))
	mux.HandleFunc(eventsync.AutoSyncPath, b.authed(func(w http.ResponseWriter, _ *http.Request) {
		b.autoSyncCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Auto sync completed successfully"})
	}))
	mux.HandleFunc(eventsync.UpcomingPath, b.authed(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"count":   1,
			"events": []map[string]any{{
				"id": "evt-1", "user_id": 1, "source_event_id": "a", "title": "Standup",
				"start_at": "2026-03-02T10:00:00Z", "end_at": "2026-03-02T10:15:00Z", "state": "confirmed",
				"created_at": "2026-03-01T00:00:00Z", "updated_at": "2026-03-01T00:00:00Z",
			}},
		})
	}))

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		valid := b.access
		b.mu.Unlock()
		if valid == "" || r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

func (b *fakeBackend) expireAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = "server-side-rotated"
}

// testEnv runs CLI invocations against one backend and one token file.
type testEnv struct {
	backend   *fakeBackend
	tokenFile string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PROFILE_FILE", filepath.Join(dir, "profile.json"))
	t.Setenv("EVENTS_FILE", filepath.Join(dir, "events.json"))
	t.Setenv("LOG_LEVEL", "error")
	return &testEnv{backend: newFakeBackend(t), tokenFile: filepath.Join(dir, "session.json")}
}

func (e *testEnv) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	c := newCLI()
	c.stdout = &out
	c.stderr = &errOut
	c.tty = false
	c.newDoer = func() (transport.Doer, error) {
		return transport.WithRequestID(e.backend.Client()), nil
	}

	root := c.rootCmd()
	root.SetArgs(append([]string{"--server-url", e.backend.URL, "--token-file", e.tokenFile}, args...))
	err = root.ExecuteContext(context.Background())
	c.close()
	return out.String(), errOut.String(), err
}

func TestStatus_NoSession(t *testing.T) {
	env := newTestEnv(t)

	_, stderr, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Not signed in")
	assert.Contains(t, stderr, "WARNING: Using HTTP instead of HTTPS")
}

func TestLoginStatusLogout(t *testing.T) {
	env := newTestEnv(t)

	_, stderr, err := env.run(t, "login", "--code", "apple-code", "--name", "Alice")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Signed in as alice")
	assert.Contains(t, stderr, "User: alice")
	assert.Equal(t, int32(1), env.backend.autoSyncCalls.Load(), "login starts exactly one sync")

	_, stderr, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Email: a@x.com")

	_, stderr, err = env.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Logged out.")

	_, _, err = env.run(t, "whoami")
	assert.Error(t, err)
}

func TestLogin_BadCode(t *testing.T) {
	env := newTestEnv(t)

	_, stderr, err := env.run(t, "login", "--code", "wrong")
	require.Error(t, err)
	assert.Contains(t, stderr, "Invalid Apple authorization code")
}

func TestLogin_NoCodeIsCancelled(t *testing.T) {
	env := newTestEnv(t)

	_, stderr, err := env.run(t, "login")
	require.Error(t, err)
	assert.Contains(t, stderr, "no authorization code given")
}

func TestWhoami(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "--no-sync", "login", "--code", "apple-code")
	require.NoError(t, err)
	assert.Equal(t, int32(0), env.backend.autoSyncCalls.Load())

	stdout, _, err := env.run(t, "whoami")
	require.NoError(t, err)

	var user map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &user))
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, float64(1), user["id"])
}

func TestToken_RefreshesExpiredAccess(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "--no-sync", "login", "--code", "apple-code")
	require.NoError(t, err)

	env.backend.expireAccess()
	stdout, _, err := env.run(t, "token", "--raw")
	require.NoError(t, err)
	assert.Equal(t, "access-token-2", strings.TrimSpace(stdout))

	stdout, _, err = env.run(t, "token")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Access Token: access-t...")
	assert.Contains(t, stdout, "Token Type: Bearer")
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "--no-sync", "login", "--code", "apple-code")
	require.NoError(t, err)

	_, stderr, err := env.run(t, "refresh")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Token refreshed successfully!")

	stdout, _, err := env.run(t, "token", "--raw")
	require.NoError(t, err)
	assert.Equal(t, "access-token-2", strings.TrimSpace(stdout))
}

func TestSyncAndEvents(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "--no-sync", "login", "--code", "apple-code")
	require.NoError(t, err)

	_, stderr, err := env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, stderr, "calendar auto-sync triggered")
	assert.Equal(t, int32(1), env.backend.autoSyncCalls.Load())
	assert.Equal(t, int32(0), env.backend.syncCalls.Load(), "no local events to push")

	stdout, _, err := env.run(t, "events", "--days", "3")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Standup")
	assert.Contains(t, stdout, "2026-03-02T10:00:00Z")
}

func TestCommandsRequireSession(t *testing.T) {
	env := newTestEnv(t)
	for _, cmd := range []string{"whoami", "refresh", "sync", "events", "token"} {
		_, stderr, err := env.run(t, cmd)
		assert.Error(t, err, cmd)
		assert.Contains(t, stderr, "not authenticated", cmd)
	}
}

func TestInvalidServerURL(t *testing.T) {
	env := newTestEnv(t)
	var errOut bytes.Buffer
	c := newCLI()
	c.stderr = &errOut
	c.tty = false

	root := c.rootCmd()
	root.SetArgs([]string{"--server-url", "ftp://nope", "--token-file", env.tokenFile, "status"})
	err := root.ExecuteContext(context.Background())
	c.close()

	require.Error(t, err)
	assert.Contains(t, errOut.String(), "URL scheme must be http or https")
}

func TestMetricsMux(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "--no-sync", "login", "--code", "apple-code")
	require.NoError(t, err)

	var out bytes.Buffer
	c := newCLI()
	c.stdout, c.stderr, c.tty = &out, &out, false
	c.newDoer = func() (transport.Doer, error) { return env.backend.Client(), nil }
	c.serverURL, c.tokenFile = env.backend.URL, env.tokenFile

	a, err := c.setup(false)
	require.NoError(t, err)
	defer c.close()
	mux := a.metricsMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, a.startup(context.Background()))
	a.tick(context.Background())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `follo_session_state_transitions_total{state="authenticated"} 1`)
	assert.Contains(t, rec.Body.String(), `follo_session_sync_runs_total{result="ok"} 1`)
}

func TestDaemon_LogsFailedFirstCheck(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "--no-sync", "login", "--code", "apple-code")
	require.NoError(t, err)
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var out bytes.Buffer
	c := newCLI()
	c.stdout, c.stderr, c.tty = &out, &out, false
	c.newDoer = func() (transport.Doer, error) {
		return transport.DoerFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			cancel()
			return nil, errors.New("connection refused")
		}), nil
	}
	c.serverURL, c.tokenFile = env.backend.URL, env.tokenFile

	a, err := c.setup(false)
	require.NoError(t, err)
	defer c.close()

	require.NoError(t, a.runDaemon(ctx))
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out.String(), "session check failed")
	assert.Contains(t, out.String(), "phase=startup")
}
