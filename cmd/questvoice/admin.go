package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/questvoice/internal/health"
	"github.com/MrWong99/questvoice/internal/observe"
)

// newAdminHandler builds the admin mux: liveness, readiness and Prometheus
// metrics, wrapped in the tracing/metrics middleware. Readiness requires a
// live session plus every extra checker.
func newAdminHandler(sess health.StateReporter, metrics *observe.Metrics, exposition http.Handler, extra ...health.Checker) http.Handler {
	mux := http.NewServeMux()
	health.New(append([]health.Checker{health.SessionChecker(sess)}, extra...)...).Register(mux)
	mux.Handle("GET /metrics", exposition)
	paths := []string{"/healthz", "/readyz", "/metrics"}
	return observe.Middleware(metrics,
		observe.WithRoutes(paths...),
		observe.WithQuietPaths(paths...),
	)(mux)
}

// serveAdmin runs the admin server until ctx ends.
func serveAdmin(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
