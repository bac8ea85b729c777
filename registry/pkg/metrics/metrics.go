package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetlake_registry_build_info",
			Help: "Build information of the fleetlake registry",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetlake_registry_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlake_registry_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Materialized cache metrics
	CacheReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_cache_reads_total",
			Help: "Total number of materialized cache reads by outcome",
		},
		[]string{"key", "outcome"}, // "memory", "persisted", "rebuild"
	)

	CacheRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetlake_registry_cache_rebuild_duration_seconds",
			Help:    "Duration of materialized cache rebuilds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~164s
		},
		[]string{"key"},
	)

	CacheRebuildErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_cache_rebuild_errors_total",
			Help: "Total number of failed materialized cache rebuilds",
		},
		[]string{"key"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_cache_invalidations_total",
			Help: "Total number of materialized cache invalidations",
		},
		[]string{"key"},
	)

	// Ingestion metrics
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_ingest_records_total",
			Help: "Total number of ingested records by result",
		},
		[]string{"result"}, // "written", "skipped"
	)

	IngestSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_ingest_skipped_total",
			Help: "Total number of skipped records by reason",
		},
		[]string{"reason"},
	)

	IngestBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetlake_registry_ingest_batch_duration_seconds",
			Help:    "Duration of ingestion batches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"status"},
	)

	DimensionKeysCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_dimension_keys_created_total",
			Help: "Total number of surrogate keys created per dimension",
		},
		[]string{"dimension"},
	)

	// Query metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_queries_total",
			Help: "Total number of translated queries",
		},
		[]string{"mode", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetlake_registry_query_duration_seconds",
			Help:    "Duration of translated queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"mode"},
	)

	QueryUnknownFilterValuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_query_unknown_filter_values_total",
			Help: "Total number of filter values without a surrogate key",
		},
		[]string{"dimension"},
	)

	// Regularization metrics
	MappingWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_registry_mapping_writes_total",
			Help: "Total number of regularization mapping writes",
		},
		[]string{"op", "status"}, // op: "save", "create", "delete"
	)

	PairsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetlake_registry_uncurated_pairs",
			Help: "Number of uncurated pairs by regularization status",
		},
		[]string{"status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCacheRebuild records a rebuild of a materialized cache key.
func RecordCacheRebuild(key string, duration time.Duration, err error) {
	if err != nil {
		CacheRebuildErrorsTotal.WithLabelValues(key).Inc()
		return
	}
	CacheRebuildDuration.WithLabelValues(key).Observe(duration.Seconds())
}

// RecordIngestBatch records the outcome of one ingestion batch.
func RecordIngestBatch(duration time.Duration, written int, skipped map[string]int, err error) {
	IngestBatchDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
	if err != nil {
		return
	}
	IngestRecordsTotal.WithLabelValues("written").Add(float64(written))
	for reason, n := range skipped {
		IngestRecordsTotal.WithLabelValues("skipped").Add(float64(n))
		IngestSkippedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordQuery records one executed query.
func RecordQuery(mode string, duration time.Duration, err error) {
	QueriesTotal.WithLabelValues(mode, status(err)).Inc()
	QueryDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordMappingWrite(op string, err error) {
	MappingWritesTotal.WithLabelValues(op, status(err)).Inc()
}
