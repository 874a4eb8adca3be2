package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stage labels for dexarb_pipeline_events_total.
const (
	stageReceived  = "received"
	stageFiltered  = "filtered"
	stageRetained  = "retained"
	stageEmitted   = "emitted"
	stageDropped   = "dropped"
	stageDebounced = "debounced"
)

type promMetrics struct {
	events    *prometheus.CounterVec
	queueSize prometheus.Gauge
	latency   prometheus.Histogram
}

// newPromMetrics builds the collectors and registers them when reg is set.
func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexarb_pipeline_events_total",
			Help: "Pool events seen by the pipeline, labeled by stage.",
		}, []string{"stage"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexarb_pipeline_queue_size",
			Help: "Retained events waiting for emission.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexarb_pipeline_latency_seconds",
			Help:    "Time from event receipt on the stream to pipeline processing.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.queueSize, m.latency)
	}
	return m
}
