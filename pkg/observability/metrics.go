package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics
	LedgerAppendsTotal   *prometheus.CounterVec
	LedgerAppendDuration prometheus.Histogram
	ClockAnomaliesTotal  prometheus.Counter
	VerifyRunsTotal      *prometheus.CounterVec

	// Registry and retention metrics
	RegistryOperationsTotal *prometheus.CounterVec
	PurgeDecisionsTotal     *prometheus.CounterVec
	PurgeRunDuration        prometheus.Histogram

	// Similarity metrics
	SimilarityQueriesTotal  *prometheus.CounterVec
	SimilarityQueryDuration prometheus.Histogram
	SimilarityEntries       *prometheus.GaugeVec

	// Content store metrics
	ContentOperationsTotal   *prometheus.CounterVec
	ContentOperationDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBWaitCount         prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custodian_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LedgerAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_ledger_appends_total",
				Help: "Total number of audit ledger appends",
			},
			[]string{"action", "status"},
		),
		LedgerAppendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "custodian_ledger_append_duration_seconds",
				Help:    "Audit ledger append duration in seconds, including signing",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		ClockAnomaliesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "custodian_ledger_clock_anomalies_total",
				Help: "Appends whose supplied timestamp was not after the chain tail",
			},
		),
		VerifyRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_ledger_verify_runs_total",
				Help: "Chain verifications by outcome",
			},
			[]string{"result"},
		),

		RegistryOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_registry_operations_total",
				Help: "Attachment registry operations",
			},
			[]string{"operation", "status"},
		),
		PurgeDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_purge_decisions_total",
				Help: "Retention enforcement decisions",
			},
			[]string{"decision"},
		),
		PurgeRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "custodian_purge_run_duration_seconds",
				Help:    "Retention enforcement run duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
		),

		SimilarityQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_similarity_queries_total",
				Help: "Similarity index queries",
			},
			[]string{"model", "status"},
		),
		SimilarityQueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "custodian_similarity_query_duration_seconds",
				Help:    "Similarity query duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
			},
		),
		SimilarityEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "custodian_similarity_entries",
				Help: "Embeddings held in the similarity index",
			},
			[]string{"model"},
		),

		ContentOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_content_operations_total",
				Help: "Content store operations",
			},
			[]string{"operation", "backend", "status"},
		),
		ContentOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custodian_content_operation_duration_seconds",
				Help:    "Content store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "custodian_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "custodian_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "custodian_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LedgerAppendsTotal,
		m.LedgerAppendDuration,
		m.ClockAnomaliesTotal,
		m.VerifyRunsTotal,
		m.RegistryOperationsTotal,
		m.PurgeDecisionsTotal,
		m.PurgeRunDuration,
		m.SimilarityQueriesTotal,
		m.SimilarityQueryDuration,
		m.SimilarityEntries,
		m.ContentOperationsTotal,
		m.ContentOperationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveLedgerAppend records one append attempt.
func (m *Metrics) ObserveLedgerAppend(action string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LedgerAppendsTotal.WithLabelValues(action, statusLabel(err)).Inc()
	if err == nil {
		m.LedgerAppendDuration.Observe(d.Seconds())
	}
}

// IncClockAnomaly counts a timestamp substitution.
func (m *Metrics) IncClockAnomaly() {
	if m == nil {
		return
	}
	m.ClockAnomaliesTotal.Inc()
}

// ObserveVerify records a chain verification outcome.
func (m *Metrics) ObserveVerify(ok bool) {
	if m == nil {
		return
	}
	result := "intact"
	if !ok {
		result = "broken"
	}
	m.VerifyRunsTotal.WithLabelValues(result).Inc()
}

// ObserveRegistryOp records a registry operation.
func (m *Metrics) ObserveRegistryOp(op string, err error) {
	if m == nil {
		return
	}
	m.RegistryOperationsTotal.WithLabelValues(op, statusLabel(err)).Inc()
}

// ObservePurgeDecision counts one enforcement decision.
func (m *Metrics) ObservePurgeDecision(decision string) {
	if m == nil {
		return
	}
	m.PurgeDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObservePurgeRun records how long an enforcement run took.
func (m *Metrics) ObservePurgeRun(d time.Duration) {
	if m == nil {
		return
	}
	m.PurgeRunDuration.Observe(d.Seconds())
}

// ObserveSimilarityQuery records a similarity lookup.
func (m *Metrics) ObserveSimilarityQuery(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SimilarityQueriesTotal.WithLabelValues(model, statusLabel(err)).Inc()
	m.SimilarityQueryDuration.Observe(d.Seconds())
}

// SetSimilarityEntries publishes the index size for a model.
func (m *Metrics) SetSimilarityEntries(model string, n int) {
	if m == nil {
		return
	}
	m.SimilarityEntries.WithLabelValues(model).Set(float64(n))
}

// ObserveContentOp records a content store call.
func (m *Metrics) ObserveContentOp(op, backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ContentOperationsTotal.WithLabelValues(op, backend, statusLabel(err)).Inc()
	m.ContentOperationDuration.WithLabelValues(op, backend).Observe(d.Seconds())
}

// ObserveCache counts a cache lookup.
func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// RecordDBStats publishes connection pool statistics.
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
