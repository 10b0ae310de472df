package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeyOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordKeyOperation("wrap", "PBES2-HS256+A128KW", 10*time.Millisecond)
	m.RecordKeyOperation("wrap", "PBES2-HS256+A128KW", 12*time.Millisecond)
	m.RecordKeyOperation("unwrap", "PBES2-HS512+A256KW", 30*time.Millisecond)

	count := testutil.ToFloat64(m.keyOperationsTotal.WithLabelValues("wrap", "PBES2-HS256+A128KW"))
	assert.Equal(t, 2.0, count, "Should have 2 wrap operations")

	count = testutil.ToFloat64(m.keyOperationsTotal.WithLabelValues("unwrap", "PBES2-HS512+A256KW"))
	assert.Equal(t, 1.0, count, "Should have 1 unwrap operation")

	assert.Equal(t, 2, testutil.CollectAndCount(m.keyOperationDuration))
}

func TestRecordKeyOperationError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	for i := 0; i < 3; i++ {
		m.RecordKeyOperationError("unwrap", "PBES2-HS256+A128KW", "authentication")
	}
	m.RecordKeyOperationError("wrap", "PBES2-HS256+A128KW", "invalid_header_param")

	count := testutil.ToFloat64(m.keyOperationErrors.WithLabelValues("unwrap", "PBES2-HS256+A128KW", "authentication"))
	assert.Equal(t, 3.0, count)

	count = testutil.ToFloat64(m.keyOperationErrors.WithLabelValues("wrap", "PBES2-HS256+A128KW", "invalid_header_param"))
	assert.Equal(t, 1.0, count)
}

func TestRecordConfigReload(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConfigReload(true)
	m.RecordConfigReload(false)
	m.RecordConfigReload(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.configReloads.WithLabelValues("failure")))
}

func TestBuildInfo(t *testing.T) {
	SetVersion("1.2.3", "abc123")
	t.Cleanup(func() { SetVersion("", "") })

	reg := prometheus.NewRegistry()
	_ = NewMetricsWithRegistry(reg)

	metrics, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, metricFamily := range metrics {
		if metricFamily.GetName() != "build_info" {
			continue
		}
		found = true
		require.Len(t, metricFamily.GetMetric(), 1)
		labels := map[string]string{}
		for _, l := range metricFamily.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, "1.2.3", labels["version"])
		assert.Equal(t, "abc123", labels["revision"])
	}
	assert.True(t, found, "build_info metric should be registered")
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.RecordPBES2Iterations("wrap", 8192)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pbes2_iterations_bucket"))
}

func TestReadinessHandler(t *testing.T) {
	t.Cleanup(func() { SetReady(false) })

	SetReady(false)
	rec := httptest.NewRecorder()
	ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	SetReady(true)
	rec = httptest.NewRecorder()
	ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndLivenessHandlers(t *testing.T) {
	SetVersion("9.9.9", "deadbeef")
	t.Cleanup(func() { SetVersion("", "") })

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "9.9.9", body["version"])

	rec = httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
