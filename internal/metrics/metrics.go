// Package metrics provides Prometheus metrics for the inventory archiver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the inventory archiver.
type Metrics struct {
	// Ingest metrics
	RecordsRouted    prometheus.Counter
	RecordsMalformed prometheus.Counter
	ShardsCreated    prometheus.Counter
	SidecarsWritten  prometheus.Counter
	FilesSkipped     *prometheus.CounterVec

	// Unit metrics
	UnitsProcessed *prometheus.CounterVec
	UnitsFailed    *prometheus.CounterVec

	// Archive metrics
	ArchiveJobs *prometheus.CounterVec

	// Cleanup metrics
	DeleteBatches  *prometheus.CounterVec
	ObjectsDeleted prometheus.Counter

	// Subprocess metrics
	RetryAttempts   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
}

var defaultMetrics *Metrics

// Init registers the metrics with the default Prometheus registry and makes
// them available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "inventory_archiver"
	}
	f := promauto.With(reg)

	return &Metrics{
		RecordsRouted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_routed_total",
			Help:      "Total number of inventory records written to shards",
		}),
		RecordsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_malformed_total",
			Help:      "Total number of inventory lines skipped as malformed",
		}),
		ShardsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_created_total",
			Help:      "Total number of shard files created",
		}),
		SidecarsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecars_written_total",
			Help:      "Total number of archive destination sidecars written",
		}),
		FilesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_skipped_total",
				Help:      "Total number of files skipped during ingest",
			},
			[]string{"reason"},
		),
		UnitsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_processed_total",
				Help:      "Total number of directory units processed",
			},
			[]string{"phase"},
		),
		UnitsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_failed_total",
				Help:      "Total number of directory units that returned an error",
			},
			[]string{"phase"},
		),
		ArchiveJobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_jobs_total",
				Help:      "Total number of archive jobs by outcome",
			},
			[]string{"outcome"},
		),
		DeleteBatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delete_batches_total",
				Help:      "Total number of bulk delete requests by outcome",
			},
			[]string{"outcome"},
		),
		ObjectsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_deleted_total",
			Help:      "Total number of source objects deleted",
		}),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of external command invocations",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
			},
			[]string{"command"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncUnitsProcessed increments the processed unit counter for a phase.
func (m *Metrics) IncUnitsProcessed(phase string) {
	m.UnitsProcessed.WithLabelValues(phase).Inc()
}

// IncUnitsFailed increments the failed unit counter for a phase.
func (m *Metrics) IncUnitsFailed(phase string) {
	m.UnitsFailed.WithLabelValues(phase).Inc()
}

// IncArchiveJobs increments the archive job counter for an outcome.
func (m *Metrics) IncArchiveJobs(outcome string) {
	m.ArchiveJobs.WithLabelValues(outcome).Inc()
}

// IncDeleteBatches increments the delete batch counter for an outcome.
func (m *Metrics) IncDeleteBatches(outcome string) {
	m.DeleteBatches.WithLabelValues(outcome).Inc()
}

// IncRetryAttempts increments the retry counter for an operation.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// IncFilesSkipped increments the skipped file counter for a reason.
func (m *Metrics) IncFilesSkipped(reason string) {
	m.FilesSkipped.WithLabelValues(reason).Inc()
}

// ObserveCommandDuration records how long an external command ran.
func (m *Metrics) ObserveCommandDuration(command string, seconds float64) {
	m.CommandDuration.WithLabelValues(command).Observe(seconds)
}
