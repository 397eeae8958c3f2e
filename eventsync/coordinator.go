package eventsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/executor"
	"github.com/follo-ai/session-cli/metrics"
)

// Backend paths.
const (
	SyncPath     = "/api/v1/events/sync"
	UpcomingPath = "/api/v1/events/upcoming"
	AutoSyncPath = "/api/v1/events/auto-sync"
)

// DefaultWindowDays is how far ahead events are collected.
const DefaultWindowDays = 5

// Sync outcomes recorded in metrics.
const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// ErrInProgress is returned when another sync pass is running.
var ErrInProgress = errors.New("sync already in progress")

// Requester sends authenticated requests.
type Requester interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Response, error)
}

// Gate reports whether the session is currently authenticated.
type Gate interface {
	IsAuthenticated() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

func (f GateFunc) IsAuthenticated() bool { return f() }

// Result summarises one sync pass.
type Result struct {
	Collected  int
	Synced     int
	Message    string
	AutoSynced bool
}

type syncRequest struct {
	Events []Event `json:"events"`
}

type syncResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	SyncedCount int    `json:"synced_count"`
}

type upcomingResponse struct {
	Success bool          `json:"success"`
	Count   int           `json:"count"`
	Events  []StoredEvent `json:"events"`
	Message *string       `json:"message"`
}

type autoSyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Coordinator runs sync passes. At most one pass runs at a time.
type Coordinator struct {
	requester Requester
	source    Source
	gate      Gate
	logger    *slog.Logger
	metrics   *metrics.Metrics
	days      int
	now       func() time.Time
	observer  func(Result, error)
	running   atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithWindowDays sets how many days ahead to collect; non-positive values
// are ignored.
func WithWindowDays(days int) Option {
	return func(c *Coordinator) {
		if days > 0 {
			c.days = days
		}
	}
}

// WithObserver is told the outcome of every background pass.
func WithObserver(fn func(Result, error)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator.
func New(requester Requester, source Source, gate Gate, opts ...Option) *Coordinator {
	c := &Coordinator{
		requester: requester,
		source:    source,
		gate:      gate,
		logger:    slog.Default(),
		days:      DefaultWindowDays,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthenticateAndSync runs a pass in the background style: failures are
// logged and counted, never returned.
func (c *Coordinator) AuthenticateAndSync(ctx context.Context) {
	res, err := c.Sync(ctx)
	if c.observer != nil {
		c.observer(res, err)
	}
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, ErrInProgress):
		c.logger.Debug("sync skipped", "reason", err)
		c.metrics.Sync(resultSkipped)
	case err != nil:
		c.logger.Warn("event sync failed", "error", err)
		c.metrics.Sync(resultFailed)
	default:
		c.logger.Info("event sync complete",
			"collected", res.Collected,
			"synced", res.Synced,
			"auto_synced", res.AutoSynced,
		)
		c.metrics.Sync(resultOK)
	}
}

// Sync collects local events, pushes them and then asks the backend to run
// its own calendar sync. The session is re-checked before the second call.
func (c *Coordinator) Sync(ctx context.Context) (Result, error) {
	var res Result
	if !c.gate.IsAuthenticated() {
		return res, auth.ErrNotAuthenticated
	}
	if !c.running.CompareAndSwap(false, true) {
		return res, ErrInProgress
	}
	defer c.running.Store(false)

	from := c.now()
	events, err := c.source.Events(ctx, from, from.AddDate(0, 0, c.days))
	if err != nil {
		return res, fmt.Errorf("failed to collect events: %w", err)
	}
	res.Collected = len(events)

	if len(events) > 0 {
		resp, err := c.requester.Execute(ctx, executor.Request{
			Method: http.MethodPost,
			Path:   SyncPath,
			Body:   syncRequest{Events: events},
		})
		if err != nil {
			return res, fmt.Errorf("event sync: %w", err)
		}
		var body syncResponse
		if err := resp.Decode(&body); err != nil {
			return res, err
		}
		if !body.Success {
			return res, fmt.Errorf("event sync rejected: %s", body.Message)
		}
		res.Synced = body.SyncedCount
		res.Message = body.Message
	}

	if !c.gate.IsAuthenticated() {
		c.logger.Info("session ended during sync, skipping auto-sync")
		return res, nil
	}

	resp, err := c.requester.Execute(ctx, executor.Request{Method: http.MethodPost, Path: AutoSyncPath})
	if err != nil {
		return res, fmt.Errorf("auto-sync: %w", err)
	}
	var auto autoSyncResponse
	if err := resp.Decode(&auto); err != nil {
		return res, err
	}
	res.AutoSynced = auto.Success
	if res.Message == "" {
		res.Message = auto.Message
	}
	return res, nil
}

// Upcoming lists the backend's events for the next days days.
func (c *Coordinator) Upcoming(ctx context.Context, days int) ([]StoredEvent, error) {
	if days <= 0 {
		days = c.days
	}
	resp, err := c.requester.Execute(ctx, executor.Request{
		Method: http.MethodGet,
		Path:   UpcomingPath,
		Query:  url.Values{"days": {strconv.Itoa(days)}},
	})
	if err != nil {
		return nil, fmt.Errorf("upcoming events: %w", err)
	}

	var body upcomingResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if !body.Success {
		msg := "request failed"
		if body.Message != nil {
			msg = *body.Message
		}
		return nil, fmt.Errorf("upcoming events: %s", msg)
	}
	return body.Events, nil
}
