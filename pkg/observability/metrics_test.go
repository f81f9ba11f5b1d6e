package observability

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLedgerAppend("create", time.Millisecond, nil)
		m.IncClockAnomaly()
		m.ObserveVerify(false)
		m.ObserveRegistryOp("register", nil)
		m.ObservePurgeDecision("soft_delete")
		m.ObservePurgeRun(time.Second)
		m.ObserveSimilarityQuery("m1", time.Millisecond, nil)
		m.SetSimilarityEntries("m1", 3)
		m.ObserveContentOp("put", "fs", time.Millisecond, nil)
		m.ObserveCache("policy", true)
		m.RecordDBStats(sql.DBStats{})
	})
}

func TestMetrics_Domain(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveLedgerAppend("create", time.Millisecond, nil)
	m.ObserveLedgerAppend("create", time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("create", "error")))

	m.IncClockAnomaly()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClockAnomaliesTotal))

	m.ObserveVerify(true)
	m.ObserveVerify(false)
	m.ObserveVerify(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.VerifyRunsTotal.WithLabelValues("broken")))

	m.ObservePurgeDecision("hold_notice")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgeDecisionsTotal.WithLabelValues("hold_notice")))

	m.SetSimilarityEntries("clip", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SimilarityEntries.WithLabelValues("clip")))

	m.ObserveCache("policy", true)
	m.ObserveCache("policy", false)
	m.ObserveCache("policy", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("policy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("policy")))

	m.RecordDBStats(sql.DBStats{InUse: 3, Idle: 2})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBConnectionsActive))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/attachments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", MetricsHandler(registry))

	for _, id := range []string{"1", "2"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/attachments/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/attachments/{id}", "404")))

	srv := httptest.NewServer(router)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "custodian_http_requests_total")
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
