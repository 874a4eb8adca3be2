package app

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexarb/internal/pipeline"
	"dexarb/internal/stream"
)

func TestMetricsHandlerServesPipelineCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	pipe := pipeline.New(pipeline.Options{MinLiquidity: big.NewInt(1_000)}, zerolog.Nop(), reg)
	pipe.Process(stream.PoolEvent{Type: stream.EventSync, Pool: poolA, Reserve0: big.NewInt(1), Reserve1: big.NewInt(1)})

	srv := httptest.NewServer(metricsHandler(reg, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dexarb_pipeline_events_total{stage="filtered"} 1`)
	assert.Contains(t, string(body), "dexarb_pipeline_queue_size")

	missing, err := http.Get(srv.URL + "/other")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := serveMetrics(ctx, "127.0.0.1:0", "/metrics", prometheus.NewRegistry(), zerolog.Nop())
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("metrics listener did not stop")
	}
}
