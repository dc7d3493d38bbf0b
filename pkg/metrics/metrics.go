package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all metrics for the coin database
type Registry struct {
	// Hash index metrics
	IndexInsertsTotal     prometheus.Counter
	IndexLookupsTotal     *prometheus.CounterVec
	IndexFlushesTotal     prometheus.Counter
	IndexCompactionsTotal prometheus.Counter
	IndexRewindsTotal     prometheus.Counter
	IndexSegments         prometheus.Gauge
	IndexBufferEntries    prometheus.Gauge
	IndexOperationSeconds *prometheus.HistogramVec

	// Schema metrics
	SchemaBlocksTotal prometheus.Counter
	SchemaCoinsTotal  prometheus.Counter

	registry *prometheus.Registry
}

// NewRegistry creates a Registry backed by its own Prometheus registry
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.IndexInsertsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coindb_index_inserts_total",
			Help: "Total number of hash index inserts",
		},
	)

	r.IndexLookupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coindb_index_lookups_total",
			Help: "Total number of hash index lookups",
		},
		[]string{"result"},
	)

	r.IndexFlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coindb_index_flushes_total",
			Help: "Total number of write buffer flushes",
		},
	)

	r.IndexCompactionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coindb_index_compactions_total",
			Help: "Total number of segment compactions",
		},
	)

	r.IndexRewindsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coindb_index_rewinds_total",
			Help: "Total number of index rewinds",
		},
	)

	r.IndexSegments = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coindb_index_segments",
			Help: "Current number of on-disk segments",
		},
	)

	r.IndexBufferEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coindb_index_buffer_entries",
			Help: "Current number of entries in the write buffer",
		},
	)

	r.IndexOperationSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coindb_index_operation_duration_seconds",
			Help:    "Hash index operation duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
		},
		[]string{"operation"},
	)

	r.SchemaBlocksTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coindb_schema_blocks_total",
			Help: "Total number of blocks accepted",
		},
	)

	r.SchemaCoinsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "coindb_schema_coins_total",
			Help: "Total number of coins confirmed",
		},
	)

	return r
}

// RecordLookup records a lookup and its outcome
func (r *Registry) RecordLookup(hit bool, duration time.Duration) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.IndexLookupsTotal.WithLabelValues(result).Inc()
	r.IndexOperationSeconds.WithLabelValues("lookup").Observe(duration.Seconds())
}

// RecordOperation records the duration of a named index operation
func (r *Registry) RecordOperation(operation string, duration time.Duration) {
	r.IndexOperationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// Gather exposes the underlying registry contents, mainly for tests and the
// benchmark report.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

// PrometheusRegistry returns the wrapped prometheus registry for exposition
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide metrics registry
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
