// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cutoff-lab/internal/domain"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Probe metrics
	ProbeAttempts      *prometheus.CounterVec
	ProbeAttemptLength prometheus.Histogram
	ProbeResults       *prometheus.CounterVec

	// Discovery metrics
	DiscoveryRuns     *prometheus.CounterVec
	DiscoveryProbes   prometheus.Histogram
	PreconditionFixes prometheus.Counter
	CutoffCacheHits   prometheus.Counter
	LabsFinalized     *prometheus.CounterVec
	HistoryDays       *prometheus.GaugeVec
	QueueDepth        prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulDiscovery prometheus.Gauge

	registry prometheus.Gatherer
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg uses a fresh registry, so callers never collide on names.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "cutoff_lab"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Probe metrics
		ProbeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Total number of probe attempts by terminal state",
		}, []string{"state"}),
		ProbeAttemptLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a probe attempt in seconds",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 900},
		}),
		ProbeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Total number of probe results by state and conclusiveness",
		}, []string{"state", "inconclusive"}),

		// Discovery metrics
		DiscoveryRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "runs_total",
			Help:      "Total number of cutoff discoveries by outcome",
		}, []string{"outcome"}),
		DiscoveryProbes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "probes_per_run",
			Help:      "Number of probe attempts spent per discovery",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 50},
		}),
		PreconditionFixes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "precondition_cancels_total",
			Help:      "Total number of force-cancels issued to clear an active lab",
		}),
		CutoffCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "cache_hits_total",
			Help:      "Total number of discoveries answered from the cutoff store",
		}),
		LabsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "labs_finalized_total",
			Help:      "Total number of labs configured for their full period by status",
		}, []string{"status"}),
		HistoryDays: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "cutoff_history_days",
			Help:      "Discovered history length per market in days",
		}, []string{"market"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "queue_depth",
			Help:      "Number of discovery tasks waiting in the queue",
		}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulDiscovery: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_discovery_timestamp",
			Help:      "Unix timestamp of last successful discovery",
		}),

		registry: reg,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProbeAttempt records one engine attempt.
func (m *Metrics) ObserveProbeAttempt(state domain.TerminalState, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProbeAttempts.WithLabelValues(state.String()).Inc()
	m.ProbeAttemptLength.Observe(elapsed.Seconds())
}

// ObserveProbeResult records the final result of a probe.
func (m *Metrics) ObserveProbeResult(state domain.TerminalState, inconclusive bool) {
	if m == nil {
		return
	}
	label := "false"
	if inconclusive {
		label = "true"
	}
	m.ProbeResults.WithLabelValues(state.String(), label).Inc()
}

// ObserveDiscovery records a discovery outcome ("converged", "degraded",
// "ceiling", "cached", "error").
func (m *Metrics) ObserveDiscovery(outcome string, probes int) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues(outcome).Inc()
	if outcome == "cached" {
		m.CutoffCacheHits.Inc()
		return
	}
	m.DiscoveryProbes.Observe(float64(probes))
}

// RecordCutoff updates the per-market history length gauge.
func (m *Metrics) RecordCutoff(rec *domain.CutoffRecord, now time.Time) {
	if m == nil || rec == nil {
		return
	}
	m.HistoryDays.WithLabelValues(rec.MarketID).Set(now.Sub(rec.CutoffDate).Hours() / 24)
	m.LastSuccessfulDiscovery.Set(float64(rec.DiscoveredAt.Unix()))
}

// RecordPreconditionCancel increments the precondition force-cancel counter.
func (m *Metrics) RecordPreconditionCancel() {
	if m == nil {
		return
	}
	m.PreconditionFixes.Inc()
}

// RecordFinalize records a finalization attempt.
func (m *Metrics) RecordFinalize(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LabsFinalized.WithLabelValues(status).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(elapsed.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
