package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/follo-ai/session-cli/metrics"
	"github.com/follo-ai/session-cli/session"
)

// runDaemon keeps the session validated and syncs on every interval until
// ctx is cancelled.
func (a *app) runDaemon(ctx context.Context) error {
	errCh := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           a.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server listening", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	// the first pass syncs on its own once authenticated
	a.check(ctx, "startup")

	ticker := time.NewTicker(a.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		a.display.NextSync(time.Now().Add(a.cfg.SyncInterval))
		select {
		case <-ctx.Done():
			a.logger.Info("daemon stopping")
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs one daemon pass. An authenticated session is revalidated and
// synced; any other state retries the startup check, which also picks up a
// login made by another process.
func (a *app) tick(ctx context.Context) {
	if a.ctrl.State().Kind != session.Authenticated {
		a.check(ctx, "tick")
		return
	}

	if err := a.ctrl.Revalidate(ctx); err != nil {
		a.logger.Warn("revalidation failed", "error", err)
		if !a.ctrl.IsAuthenticated() {
			return
		}
	}
	a.display.Syncing()
	a.sync.AuthenticateAndSync(ctx)
}

func (a *app) check(ctx context.Context, phase string) {
	if err := a.ctrl.Startup(ctx); err != nil {
		a.logger.Warn("session check failed", "phase", phase, "error", err)
	}
}

func (a *app) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.ctrl.IsInitialized() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
