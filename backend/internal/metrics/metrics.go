// Package metrics exposes Prometheus metrics for ingestion runs, the session
// cache and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. Each collector
// owns its registry, so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Ingestion metrics
	Runs              *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	MessagesMerged    prometheus.Counter
	MessagesFailed    prometheus.Counter
	NodesCreated      prometheus.Counter
	EdgesCreated      prometheus.Counter

	// Session cache metrics
	CacheLookups *prometheus.CounterVec
}

// NewCollector creates a collector with the given namespace
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_runs_total",
				Help:      "Total number of finished ingestion runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_run_duration_seconds",
				Help:      "Ingestion run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		MessagesMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Total number of messages merged into graphs",
			},
		),
		MessagesFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_failed_total",
				Help:      "Total number of messages skipped after a failure",
			},
		),
		NodesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_created_total",
				Help:      "Total number of contact nodes created",
			},
		),
		EdgesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edges_created_total",
				Help:      "Total number of co-attendance edges created",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_cache_lookups_total",
				Help:      "Session cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Runs,
		c.RunDuration,
		c.MessagesMerged,
		c.MessagesFailed,
		c.NodesCreated,
		c.EdgesCreated,
		c.CacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one handled request
func (c *Collector) ObserveHTTP(method, route string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RunFinished records a run outcome
func (c *Collector) RunFinished(outcome string, duration time.Duration) {
	c.Runs.WithLabelValues(outcome).Inc()
	c.RunDuration.Observe(duration.Seconds())
}

// MessagesProcessed records per-run message counts
func (c *Collector) MessagesProcessed(ok, failed int) {
	c.MessagesMerged.Add(float64(ok))
	c.MessagesFailed.Add(float64(failed))
}

// GraphGrowth records nodes and edges added by a run
func (c *Collector) GraphGrowth(nodes, edges int) {
	if nodes > 0 {
		c.NodesCreated.Add(float64(nodes))
	}
	if edges > 0 {
		c.EdgesCreated.Add(float64(edges))
	}
}

// CacheLookup records a session cache lookup
func (c *Collector) CacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(tier, result).Inc()
}
