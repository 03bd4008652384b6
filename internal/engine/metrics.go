package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. Each engine carries its
// own registry so tests can build several engines in one process.
type Metrics struct {
	registry *prometheus.Registry

	// RequestDuration observes whole requests, labeled by method, route
	// template and status code.
	RequestDuration *prometheus.HistogramVec

	// StageDuration observes per-request stages: acl, read, serialize,
	// compress, total.
	StageDuration *prometheus.HistogramVec

	// ActiveSockets gauges open WebSocket subscriptions.
	ActiveSockets prometheus.Gauge

	// StreamMessages counts records published to node streams.
	StreamMessages prometheus.Counter
}

// NewMetrics builds and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trellis",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trellis",
			Name:      "request_stage_duration_seconds",
			Help:      "Per-stage request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		ActiveSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trellis",
			Name:      "stream_active_sockets",
			Help:      "Open WebSocket subscriptions.",
		}),
		StreamMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis",
			Name:      "stream_messages_published_total",
			Help:      "Records published to node streams.",
		}),
	}
	registry.MustRegister(
		m.RequestDuration,
		m.StageDuration,
		m.ActiveSockets,
		m.StreamMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// stageTimings accumulates named stage durations for one request. The
// logging middleware creates it; handlers record stages through
// observeStage; the response writers render it as a Server-Timing header.
type stageTimings struct {
	mu      sync.Mutex
	metrics *Metrics
	stages  []stageSample
}

type stageSample struct {
	name string
	d    time.Duration
}

func (t *stageTimings) observe(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stages = append(t.stages, stageSample{name: name, d: d})
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

// header renders the samples in Server-Timing form, e.g.
// "acl;dur=0.4, read;dur=12.1".
func (t *stageTimings) header() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, 0, len(t.stages))
	for _, s := range t.stages {
		parts = append(parts, fmt.Sprintf("%s;dur=%.1f", s.name, float64(s.d.Microseconds())/1000))
	}
	return strings.Join(parts, ", ")
}

// observeStage records one stage duration against the request's timings.
// Call as: defer observeStage(ctx, "read", time.Now()).
func observeStage(ctx context.Context, name string, start time.Time) {
	if state := stateFrom(ctx); state != nil {
		state.timings.observe(name, time.Since(start))
	}
}
