package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultMetricsPath = "/metrics"

func metricsHandler(g prometheus.Gatherer, path string) http.Handler {
	if path == "" {
		path = defaultMetricsPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// serveMetrics exposes g on addr until ctx is cancelled. The returned channel
// is closed once the listener has shut down.
func serveMetrics(ctx context.Context, addr, path string, g prometheus.Gatherer, logger zerolog.Logger) <-chan struct{} {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsHandler(g, path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		defer close(done)
		logger.Info().Str("addr", addr).Msg("serving prometheus metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	return done
}
