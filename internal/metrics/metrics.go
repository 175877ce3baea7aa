// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments, labeled by flow.
type Metrics struct {
	RecordsRead     *prometheus.CounterVec
	RecordsLoaded   *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec
	RunsTotal       prometheus.Counter
	RunsFailed      prometheus.Counter
	RunDuration     prometheus.Histogram
}

// New registers the pipeline metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fogline",
			Name:      "records_read_total",
			Help:      "Raw records read from upstream sources.",
		}, []string{"flow"}),
		RecordsLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fogline",
			Name:      "records_loaded_total",
			Help:      "Records written to the measurements table.",
		}, []string{"flow"}),
		RecordsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fogline",
			Name:      "records_rejected_total",
			Help:      "Records rejected during validation or loading.",
		}, []string{"flow"}),
		RunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fogline",
			Name:      "runs_total",
			Help:      "Pipeline runs started.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fogline",
			Name:      "runs_failed_total",
			Help:      "Pipeline runs that finished unsuccessfully.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fogline",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a pipeline run.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
