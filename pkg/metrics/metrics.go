// Package metrics exposes per-region ingestion counters.
package metrics

import (
	"sync"
	"time"

	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "leappflow"
	subsystem = "ingest"
)

// Recorder holds the ingestion metrics of every region.
type Recorder struct {
	jobs          *prometheus.CounterVec
	workflows     *prometheus.CounterVec
	bulkFailed    *prometheus.CounterVec
	cycleErrors   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewRecorder creates the metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		jobs:        counterVec("jobs_total", "Jobs seen per region by outcome (fetched, skipped, malformed)", "region", "outcome"),
		workflows:   counterVec("workflows_total", "Workflows per region by outcome (inserted, updated, not_ready, failed_validation)", "region", "outcome"),
		bulkFailed:  counterVec("bulk_failed_total", "Documents rejected by the store", "region"),
		cycleErrors: counterVec("cycle_errors_total", "Region cycles that ended in an error", "region"),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one region cycle",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"region"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful region cycle",
		}, []string{"region"}),
	}
	reg.MustRegister(r.jobs, r.workflows, r.bulkFailed, r.cycleErrors, r.cycleDuration, r.lastSuccess)
	return r
}

var (
	defaultRecorder *Recorder
	defaultOnce     sync.Once
)

// Default returns the recorder registered with the default registry.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// ObserveResult adds the counts of one engine result.
func (r *Recorder) ObserveResult(region string, c engine.Counts) {
	r.jobs.WithLabelValues(region, "fetched").Add(float64(c.Fetched))
	r.jobs.WithLabelValues(region, "skipped").Add(float64(c.Skipped))
	r.jobs.WithLabelValues(region, "malformed").Add(float64(c.Malformed))
	r.workflows.WithLabelValues(region, "inserted").Add(float64(c.Inserted))
	r.workflows.WithLabelValues(region, "updated").Add(float64(c.Updated))
	r.workflows.WithLabelValues(region, "not_ready").Add(float64(c.NotReady))
	r.workflows.WithLabelValues(region, "failed_validation").Add(float64(c.FailedValidation))
}

func (r *Recorder) ObserveBulkFailures(region string, failed int) {
	r.bulkFailed.WithLabelValues(region).Add(float64(failed))
}

// ObserveCycle records the duration and outcome of a region cycle.
func (r *Recorder) ObserveCycle(region string, started time.Time, err error) {
	r.cycleDuration.WithLabelValues(region).Observe(time.Since(started).Seconds())
	if err != nil {
		r.cycleErrors.WithLabelValues(region).Inc()
		return
	}
	r.lastSuccess.WithLabelValues(region).SetToCurrentTime()
}
