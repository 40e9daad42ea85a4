package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bit2swaz/syncprobe/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// runWithMetrics runs fn beside the metrics HTTP server (when addr is set)
// and stops the server once fn returns. A server failure cancels fn's
// context.
func runWithMetrics(ctx context.Context, addr string, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			slog.Info("Metrics server listening", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if srv == nil {
				return
			}
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		return fn(gctx)
	})

	return g.Wait()
}
