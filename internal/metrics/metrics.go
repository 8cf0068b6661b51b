// Package metrics defines the prometheus collectors of the digest pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redditdigest"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Runs               *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	ItemsDelivered     prometheus.Counter
	CandidatesFetched  prometheus.Counter
	FilterDegraded     prometheus.Counter
	EnrichmentFailures prometheus.Counter
	SkippedRuns        prometheus.Counter
	LastRunTimestamp   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates the collectors on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Digest runs by outcome",
		}, []string{"outcome"}), // "sent", "empty", "failed"
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of digest runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ItemsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_delivered_total",
			Help:      "Items included in successfully sent digests",
		}),
		CandidatesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_fetched_total",
			Help:      "Candidate items returned by upstream fetches",
		}),
		FilterDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_filter_degraded_total",
			Help:      "Filter passes that treated every candidate as new because the item store failed",
		}),
		EnrichmentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_failures_total",
			Help:      "Failed LLM enrichment calls",
		}),
		SkippedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_runs_total",
			Help:      "Runs not started because another run held the lock",
		}),
		LastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run by outcome",
		}, []string{"outcome"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Runs, m.RunDuration, m.ItemsDelivered, m.CandidatesFetched,
		m.FilterDegraded, m.EnrichmentFailures, m.SkippedRuns, m.LastRunTimestamp,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunFinished records the outcome of one run.
func (m *Metrics) RunFinished(outcome string, seconds float64, items int, unixSeconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(seconds)
	m.LastRunTimestamp.WithLabelValues(outcome).Set(unixSeconds)
	if outcome == "sent" {
		m.ItemsDelivered.Add(float64(items))
	}
}

// Fetched counts candidates from a fetch.
func (m *Metrics) Fetched(n int) {
	if m == nil {
		return
	}
	m.CandidatesFetched.Add(float64(n))
}

// Degraded counts a degraded filter pass.
func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.FilterDegraded.Inc()
}

// EnrichFailed counts failed enrichment calls.
func (m *Metrics) EnrichFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EnrichmentFailures.Add(float64(n))
}

// RunSkipped counts a run refused by the lock.
func (m *Metrics) RunSkipped() {
	if m == nil {
		return
	}
	m.SkippedRuns.Inc()
}
