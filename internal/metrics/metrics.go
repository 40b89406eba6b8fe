// Package metrics exposes Prometheus collectors for reconciliation runs.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record outcomes counted by AddRecords.
const (
	OutcomePersisted = "persisted"
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the reconciliation collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
	chunks   *prometheus.CounterVec
	unsynced *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New registers the collectors against registerer. When registerer is nil
// the default Prometheus registerer is used, and only once per process.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = build(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		})
		return defaultMetrics
	}
	var gatherer prometheus.Gatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return build(registerer, gatherer)
}

func build(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelsync_runs_total",
		Help: "Reconciliation runs partitioned by record kind and status.",
	}, []string{"kind", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parcelsync_run_duration_seconds",
		Help:    "Duration in seconds of one record kind's reconciliation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelsync_records_total",
		Help: "Records handled partitioned by kind and outcome.",
	}, []string{"kind", "outcome"})
	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelsync_chunks_total",
		Help: "Remote commit chunks partitioned by kind and status.",
	}, []string{"kind", "status"})
	unsynced := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parcelsync_unsynced_records",
		Help: "Records persisted locally but not yet confirmed remotely.",
	}, []string{"kind"})
	registerer.MustRegister(runs, duration, records, chunks, unsynced)
	return &Metrics{
		gatherer: gatherer,
		runs:     runs,
		duration: duration,
		records:  records,
		chunks:   chunks,
		unsynced: unsynced,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Tracker instruments one kind's reconciliation.
type Tracker struct {
	metrics *Metrics
	kind    string
	start   time.Time
}

// Track starts a tracker for kind.
func (m *Metrics) Track(kind string) *Tracker {
	return &Tracker{metrics: m, kind: kind, start: time.Now()}
}

// End records the run status and duration and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	t.metrics.runs.WithLabelValues(t.kind, status).Inc()
	t.metrics.duration.WithLabelValues(t.kind).Observe(time.Since(t.start).Seconds())
	return err
}

// AddRecords counts n records of kind with the given outcome.
func (m *Metrics) AddRecords(kind, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(kind, outcome).Add(float64(n))
}

// ObserveChunk counts one chunk commit.
func (m *Metrics) ObserveChunk(kind string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.chunks.WithLabelValues(kind, status).Inc()
}

// SetUnsynced reports the number of records still pending for kind.
func (m *Metrics) SetUnsynced(kind string, n int) {
	if m == nil {
		return
	}
	m.unsynced.WithLabelValues(kind).Set(float64(n))
}
