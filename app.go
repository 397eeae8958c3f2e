package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/follo-ai/session-cli/auth"
	"github.com/follo-ai/session-cli/config"
	"github.com/follo-ai/session-cli/eventsync"
	"github.com/follo-ai/session-cli/executor"
	"github.com/follo-ai/session-cli/identity"
	"github.com/follo-ai/session-cli/metrics"
	"github.com/follo-ai/session-cli/session"
	"github.com/follo-ai/session-cli/tokenstore"
	"github.com/follo-ai/session-cli/transport"
	"github.com/follo-ai/session-cli/tui"
)

// app is the wired object graph for one CLI invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	display  tui.Displayer
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store    *tokenstore.Store
	profile  *tokenstore.ProfileCache
	exchange *identity.Exchange
	exec     *executor.Executor
	ctrl     *session.Controller
	sync     *eventsync.Coordinator

	unsubscribe func()
}

// newApp wires the session stack. With autoSync the coordinator runs after
// every successful authentication.
func newApp(cfg config.Config, doer transport.Doer, d tui.Displayer, logger *slog.Logger, autoSync bool) *app {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store := tokenstore.New(
		tokenstore.NewFileSecretStore(cfg.TokenFile, logger),
		tokenstore.WithLogger(logger),
	)
	profile := tokenstore.NewProfileCache(cfg.ProfileFile)

	exchange := identity.NewExchange(cfg.ServerURL, doer,
		identity.WithTimeout(cfg.AuthTimeout),
		identity.WithLogger(logger),
	)
	exec := executor.New(cfg.ServerURL, doer, store, exchange,
		executor.WithLogger(logger),
		executor.WithMetrics(m),
		executor.WithRefreshTimeout(cfg.AuthTimeout),
		executor.WithRequestTimeout(cfg.RequestTimeout),
	)
	ctrl := session.New(store, exchange, exec,
		session.WithLogger(logger),
		session.WithMetrics(m),
		session.WithProfileCache(profile),
		session.WithValidateTimeout(cfg.AuthTimeout),
	)

	var source eventsync.Source = eventsync.StaticSource{}
	if cfg.EventsFile != "" {
		source = eventsync.FileSource{Path: cfg.EventsFile}
	}
	coord := eventsync.New(exec, source, ctrl,
		eventsync.WithLogger(logger),
		eventsync.WithMetrics(m),
		eventsync.WithWindowDays(cfg.SyncWindowDays),
		eventsync.WithObserver(func(res eventsync.Result, err error) {
			reportSync(d, res, err)
		}),
	)

	if autoSync {
		ctrl.SetSyncer(coord)
	}
	exec.SetExpiredHandler(ctrl.Expire)

	return &app{
		cfg:         cfg,
		logger:      logger,
		display:     d,
		registry:    registry,
		metrics:     m,
		store:       store,
		profile:     profile,
		exchange:    exchange,
		exec:        exec,
		ctrl:        ctrl,
		sync:        coord,
		unsubscribe: ctrl.Subscribe(d.State),
	}
}

// close waits for background syncs and detaches the displayer.
func (a *app) close() {
	a.ctrl.Wait()
	a.unsubscribe()
}

// startup resolves the stored session and reports whether it is usable.
func (a *app) startup(ctx context.Context) error {
	if err := a.ctrl.Startup(ctx); err != nil && !errors.Is(err, auth.ErrSessionEnded) {
		return err
	}
	if !a.ctrl.IsAuthenticated() {
		return auth.ErrNotAuthenticated
	}
	return nil
}

// summary describes the current session for the displayer.
func (a *app) summary(ctx context.Context) tui.Summary {
	var s tui.Summary
	if u := a.ctrl.CachedUser(); u != nil {
		s.User = u.DisplayName()
		if u.Email != nil {
			s.Email = *u.Email
		}
	}
	if tok, err := a.exec.TokenSource(ctx).Token(); err == nil {
		s.TokenPreview = auth.Preview(tok.AccessToken)
		s.TokenType = tok.Type()
	}
	return s
}

func reportSync(d tui.Displayer, res eventsync.Result, err error) {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, eventsync.ErrInProgress):
	case err != nil:
		d.SyncFailed(err)
	default:
		d.SyncDone(res.Collected, res.Synced, res.AutoSynced)
	}
}
