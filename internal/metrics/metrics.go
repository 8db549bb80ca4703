// Package metrics defines the Prometheus instrumentation for the TSDB
// fetch path, the health evaluation pipeline, the component cache, and
// the reporter loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector this service exposes. It is built once
// at startup and passed to each component that needs to record against it.
type Metrics struct {
	TsdbFetchDuration    *prometheus.HistogramVec
	TsdbFetchErrors      *prometheus.CounterVec
	HealthEvaluations    *prometheus.CounterVec
	ExpressionCacheHits  *prometheus.CounterVec
	ComponentCacheHits   *prometheus.CounterVec
	ReporterCycleSeconds prometheus.Histogram
	IncidentsPosted      *prometheus.CounterVec
}

// New registers and returns the service's Prometheus collectors against the
// default registry.
func New() *Metrics {
	return &Metrics{
		TsdbFetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackmon_tsdb_fetch_duration_seconds",
				Help:    "Duration of render requests to the TSDB.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		TsdbFetchErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackmon_tsdb_fetch_errors_total",
				Help: "Total TSDB fetch failures by cause.",
			},
			[]string{"cause"},
		),
		HealthEvaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackmon_health_evaluations_total",
				Help: "Total health score evaluations by service and outcome.",
			},
			[]string{"service", "outcome"},
		),
		ExpressionCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackmon_expression_cache_total",
				Help: "Compiled expression cache hits vs misses.",
			},
			[]string{"result"},
		),
		ComponentCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackmon_component_cache_lookups_total",
				Help: "Component cache lookups by result.",
			},
			[]string{"result"},
		),
		ReporterCycleSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stackmon_reporter_cycle_duration_seconds",
				Help:    "Duration of one full reporter cycle across every task.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		IncidentsPosted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackmon_incidents_posted_total",
				Help: "Incidents posted to the Status Dashboard by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveTsdbFetch records a TSDB render-request outcome.
func (m *Metrics) ObserveTsdbFetch(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TsdbFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
