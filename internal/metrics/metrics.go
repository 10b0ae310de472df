package metrics

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer

	// ready is flipped by the server once the key management registry is built.
	ready atomic.Bool
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestBytes     *prometheus.CounterVec
	keyOperationsTotal   *prometheus.CounterVec
	keyOperationDuration *prometheus.HistogramVec
	keyOperationErrors   *prometheus.CounterVec
	pbes2Iterations      *prometheus.HistogramVec
	configReloads        *prometheus.CounterVec
	activeConnections    prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge
	buildInfo            *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		keyOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_operations_total",
				Help: "Total number of key management operations",
			},
			[]string{"operation", "algorithm"}, // generate, wrap or unwrap
		),
		keyOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "key_operation_duration_seconds",
				Help:    "Key management operation duration in seconds, dominated by PBKDF2",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation", "algorithm"},
		),
		keyOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_operation_errors_total",
				Help: "Total number of key management operation errors",
			},
			[]string{"operation", "algorithm", "error_type"},
		),
		pbes2Iterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pbes2_iterations",
				Help:    "PBES2 iteration counts (p2c) seen by wrap and unwrap operations",
				Buckets: []float64{1000, 4096, 8192, 16384, 65536, 131072, 310000, 600000, 1000000},
			},
			[]string{"operation"},
		),
		configReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "config_reloads_total",
				Help: "Total number of configuration reload attempts",
			},
			[]string{"result"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Build information of the running binary",
			},
			[]string{"version", "revision", "goversion"},
		),
	}
	m.setBuildInfo()
	return m
}

// SetVersion records the binary version and commit for build_info and /health.
func SetVersion(v, commit string) {
	version.Version = v
	version.Revision = commit
}

func (m *Metrics) setBuildInfo() {
	m.buildInfo.Reset()
	m.buildInfo.WithLabelValues(version.Version, version.Revision, version.GoVersion).Set(1)
}

// RefreshBuildInfo re-reads the version set by SetVersion.
func (m *Metrics) RefreshBuildInfo() {
	m.setBuildInfo()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	if bytes > 0 {
		m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
	}
}

// RecordKeyOperation records a successful key management operation.
func (m *Metrics) RecordKeyOperation(operation, algorithm string, duration time.Duration) {
	m.keyOperationsTotal.WithLabelValues(operation, algorithm).Inc()
	m.keyOperationDuration.WithLabelValues(operation, algorithm).Observe(duration.Seconds())
}

// RecordKeyOperationError records a failed key management operation.
func (m *Metrics) RecordKeyOperationError(operation, algorithm, errorType string) {
	m.keyOperationErrors.WithLabelValues(operation, algorithm, errorType).Inc()
}

// RecordPBES2Iterations records the iteration count used by a PBES2 operation.
func (m *Metrics) RecordPBES2Iterations(operation string, count int) {
	m.pbes2Iterations.WithLabelValues(operation).Observe(float64(count))
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system
// metrics. It returns a function that stops the collector.
func (m *Metrics) StartSystemMetricsCollector() func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetReady marks the service ready or not ready.
func SetReady(v bool) {
	ready.Store(v)
}

// HealthHandler reports the service status and build version.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status":   "healthy",
			"version":  version.Version,
			"revision": version.Revision,
		})
	})
}

// ReadinessHandler returns 503 until SetReady(true) is called.
func ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

// LivenessHandler always reports the process alive.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

func writeStatus(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
