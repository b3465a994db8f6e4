// Package metrics exposes Prometheus metrics for TCP requests, the message
// API and configuration reloads on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// TCP request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	responseSize    prometheus.Histogram
	fullBufferReads prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcp_requests_total",
				Help: "Total number of TCP request/response exchanges by transport and outcome",
			},
			[]string{"transport", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tcp_request_duration_seconds",
				Help:    "TCP exchange latency from dial to first read in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		),

		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcp_request_errors_total",
				Help: "Total number of failed TCP exchanges by error kind and stage",
			},
			[]string{"kind", "stage"},
		),

		bytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tcp_bytes_sent_total",
				Help: "Total payload bytes written",
			},
		),

		bytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tcp_bytes_received_total",
				Help: "Total response bytes read",
			},
		),

		responseSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tcp_response_size_bytes",
				Help:    "Size of the single response read",
				Buckets: []float64{16, 64, 256, 1024, 2048, 4096},
			},
		),

		fullBufferReads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tcp_full_buffer_reads_total",
				Help: "Reads that filled the response buffer and may have been truncated",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcp_http_requests_total",
				Help: "Total number of message API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tcp_http_request_duration_seconds",
				Help:    "Message API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcp_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestErrors,
		m.bytesSent,
		m.bytesReceived,
		m.responseSize,
		m.fullBufferReads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.configReloads,
	)

	return m
}

func transportLabel(useTLS bool) string {
	if useTLS {
		return "tls"
	}
	return "tcp"
}

// RecordRequest records a finished exchange. outcome is "success" or an error kind.
func (m *Metrics) RecordRequest(useTLS bool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	transport := transportLabel(useTLS)
	m.requestsTotal.WithLabelValues(transport, outcome).Inc()
	m.requestDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordRequestError records a failed exchange
func (m *Metrics) RecordRequestError(kind, stage string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(kind, stage).Inc()
}

// RecordBytesSent records written payload bytes
func (m *Metrics) RecordBytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

// RecordResponse records the size of the single response read. bufferSize is
// the read buffer capacity.
func (m *Metrics) RecordResponse(n, bufferSize int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
	m.responseSize.Observe(float64(n))
	if n >= bufferSize {
		m.fullBufferReads.Inc()
	}
}

// RecordHTTPRequest records a message API request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics for the wrapped handler
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
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

// endpointName keeps label cardinality bounded.
func endpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case strings.HasPrefix(path, "/v1/pipelines/") && strings.HasSuffix(path, "/messages"):
		return "messages"
	default:
		return "unknown"
	}
}
