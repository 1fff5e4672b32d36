package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// Reconcile results recorded by IncrReconcile.
const (
	ReconcileCompleted = "completed"
	ReconcileFailed    = "failed"
	ReconcileAmbiguous = "ambiguous"
	ReconcileReplay    = "replay"
	ReconcileRaceLost  = "race_lost"
	ReconcileNotFound  = "not_found"
)

// Activation results recorded by IncrActivation.
const (
	ActivationApplied        = "applied"
	ActivationAlreadyApplied = "already_applied"
	ActivationFailed         = "failed"
	ActivationOrphaned       = "orphaned"
)

// Sweep results recorded by IncrSweep.
const (
	SweepRun     = "run"
	SweepSkipped = "skipped"
	SweepError   = "error"
)

// Metrics holds all Prometheus metrics for the billing service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	reconciles      *prometheus.CounterVec
	activations     *prometheus.CounterVec
	entryPoints     *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	sweepBatch      prometheus.Histogram
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_operation_duration_seconds",
				Help:    "Duration of billing operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		reconciles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconcile_total",
				Help: "Reconciliation attempts by result.",
			},
			[]string{"result"},
		),
		activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_activations_total",
				Help: "Subscription activations by result.",
			},
			[]string{"result"},
		),
		entryPoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_confirmations_total",
				Help: "Payment confirmations received by entry point.",
			},
			[]string{"source"},
		),
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sweeps_total",
				Help: "Poll sweeps by result.",
			},
			[]string{"result"},
		),
		sweepBatch: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_batch_size",
				Help:    "Number of unresolved bills picked up per sweep.",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrReconcile counts one reconciliation attempt.
func (m *Metrics) IncrReconcile(result string) {
	m.reconciles.WithLabelValues(result).Inc()
}

// IncrActivation counts one activation attempt.
func (m *Metrics) IncrActivation(result string) {
	m.activations.WithLabelValues(result).Inc()
}

// IncrEntryPoint counts a confirmation arriving through source.
func (m *Metrics) IncrEntryPoint(source string) {
	m.entryPoints.WithLabelValues(source).Inc()
}

// IncrSweep counts one sweep tick.
func (m *Metrics) IncrSweep(result string) {
	m.sweeps.WithLabelValues(result).Inc()
}

// ObserveSweepBatch records how many bills a sweep picked up.
func (m *Metrics) ObserveSweepBatch(n int) {
	m.sweepBatch.Observe(float64(n))
}

// Snapshot returns the reconciliation counters for the admin stats endpoint.
// Prometheus counters are cumulative since process start.
func (m *Metrics) Snapshot() *domain.ReconciliationStats {
	s := &domain.ReconciliationStats{
		Completed:          int64(getCounterValue(m.reconciles, ReconcileCompleted)),
		Failed:             int64(getCounterValue(m.reconciles, ReconcileFailed)),
		Ambiguous:          int64(getCounterValue(m.reconciles, ReconcileAmbiguous)),
		RacesLost:          int64(getCounterValue(m.reconciles, ReconcileRaceLost)),
		Activations:        int64(getCounterValue(m.activations, ActivationApplied)),
		ActivationFailures: int64(getCounterValue(m.activations, ActivationFailed)),
		Orphans:            int64(getCounterValue(m.activations, ActivationOrphaned)),
		SweepsRun:          int64(getCounterValue(m.sweeps, SweepRun)),
		SweepsSkipped:      int64(getCounterValue(m.sweeps, SweepSkipped)),
	}
	if s.Completed > 0 {
		s.ActivationRate = float64(s.Activations) / float64(s.Completed)
	}
	return s
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
