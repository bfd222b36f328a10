// Package metrics exposes Prometheus collectors for the registration queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the queue. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Dispatched    prometheus.Counter
	StepOutcomes  *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	Finished      *prometheus.CounterVec
	Reclaimed     prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	Imported      *prometheus.CounterVec
	FeedDropped   prometheus.Counter
	StoreFailures *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "regq_records_dispatched_total",
			Help: "Records claimed by a worker and moved to IN_PROGRESS",
		}),

		StepOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regq_step_outcomes_total",
			Help: "Carrier step invocations by step and outcome",
		}, []string{"step", "outcome"}), // outcome: success, retry, terminal, already_registered, abandoned

		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regq_step_duration_seconds",
			Help:    "Duration of a single carrier step invocation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step"}),

		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regq_records_finished_total",
			Help: "Records that reached a terminal status",
		}, []string{"status"}),

		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "regq_records_reclaimed_total",
			Help: "Stale IN_PROGRESS records returned to PENDING",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regq_records",
			Help: "Current record count by status",
		}, []string{"status"}),

		Imported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regq_import_rows_total",
			Help: "Import rows by result",
		}, []string{"result"}), // result: accepted, skipped, error

		FeedDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "regq_feed_events_dropped_total",
			Help: "Change events dropped because a subscriber was slow",
		}),

		StoreFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regq_store_failures_total",
			Help: "Store operations that failed",
		}, []string{"op"}),
	}
}

// IncDispatched records one claimed record.
func (m *Metrics) IncDispatched() {
	if m != nil {
		m.Dispatched.Inc()
	}
}

// ObserveStep records a step invocation and its outcome.
func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	if m != nil {
		m.StepOutcomes.WithLabelValues(step, outcome).Inc()
		m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

// IncFinished records a record reaching a terminal status.
func (m *Metrics) IncFinished(status string) {
	if m != nil {
		m.Finished.WithLabelValues(status).Inc()
	}
}

// AddReclaimed records n reclaimed records.
func (m *Metrics) AddReclaimed(n int) {
	if m != nil && n > 0 {
		m.Reclaimed.Add(float64(n))
	}
}

// SetDepth replaces the per-status gauge values.
func (m *Metrics) SetDepth(counts map[string]int) {
	if m != nil {
		for status, n := range counts {
			m.QueueDepth.WithLabelValues(status).Set(float64(n))
		}
	}
}

// AddImported records import row results.
func (m *Metrics) AddImported(accepted, skipped, errored int) {
	if m != nil {
		m.Imported.WithLabelValues("accepted").Add(float64(accepted))
		m.Imported.WithLabelValues("skipped").Add(float64(skipped))
		m.Imported.WithLabelValues("error").Add(float64(errored))
	}
}

// IncFeedDropped records one dropped change event.
func (m *Metrics) IncFeedDropped() {
	if m != nil {
		m.FeedDropped.Inc()
	}
}

// IncStoreFailure records a failed store operation.
func (m *Metrics) IncStoreFailure(op string) {
	if m != nil {
		m.StoreFailures.WithLabelValues(op).Inc()
	}
}
