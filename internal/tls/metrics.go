package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	tlsMetricsInst *TLSMetricsCollector
)

// TLSMetricsCollector handles TLS-specific metrics collection
type TLSMetricsCollector struct {
	// Context metrics
	contextsBuilt     metric.Int64Counter
	insecureContexts  metric.Int64Counter
	certificateErrors metric.Int64Counter

	// Handshake metrics
	handshakeErrors   metric.Int64Counter
	handshakeDuration metric.Float64Histogram

	// Distribution metrics
	tlsVersionDistribution metric.Int64Counter
	alpnMisses             metric.Int64Counter

	logger *slog.Logger
}

// GetTLSMetricsCollector returns the singleton TLS metrics collector
func GetTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	metricsOnce.Do(func() {
		tlsMetricsInst, metricsInitErr = newTLSMetricsCollector(logger)
	})
	return tlsMetricsInst, metricsInitErr
}

func newTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("polis.tcp.tls")

	collector := &TLSMetricsCollector{
		logger: logger.With("component", "tls_metrics"),
	}

	var err error

	collector.contextsBuilt, err = meter.Int64Counter(
		"tls_client_contexts_total",
		metric.WithDescription("Total number of per-request TLS client contexts built"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return nil, err
	}

	collector.insecureContexts, err = meter.Int64Counter(
		"tls_insecure_contexts_total",
		metric.WithDescription("Client contexts built with server certificate verification disabled"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateErrors, err = meter.Int64Counter(
		"tls_certificate_errors_total",
		metric.WithDescription("Total number of rejected certificate or key inputs"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"tls_handshake_errors_total",
		metric.WithDescription("Total number of TLS handshake errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.tlsVersionDistribution, err = meter.Int64Counter(
		"tls_version_total",
		metric.WithDescription("TLS connections by version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.alpnMisses, err = meter.Int64Counter(
		"tls_alpn_misses_total",
		metric.WithDescription("Handshakes where the advertised ALPN protocol was not selected"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordContextBuilt records a built client context
func (c *TLSMetricsCollector) RecordContextBuilt(ctx context.Context, summary ContextSummary) {
	attrs := []attribute.KeyValue{
		attribute.Bool("custom_ca", summary.CustomCA),
		attribute.Bool("client_identity", summary.ClientIdentity),
		attribute.Bool("insecure", summary.Insecure),
	}
	if summary.KeyAlgorithm != "" {
		attrs = append(attrs, attribute.String("key_algorithm", summary.KeyAlgorithm))
	}

	c.contextsBuilt.Add(ctx, 1, metric.WithAttributes(attrs...))
	if summary.Insecure {
		c.insecureContexts.Add(ctx, 1)
	}
}

// RecordCertificateError records a rejected certificate or key input
func (c *TLSMetricsCollector) RecordCertificateError(ctx context.Context, field string, errorType TLSErrorType) {
	c.certificateErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("field", field),
		attribute.String("error_type", string(errorType)),
	))
}

// RecordHandshakeSuccess records a successful TLS handshake
func (c *TLSMetricsCollector) RecordHandshakeSuccess(ctx context.Context, state tls.ConnectionState, duration time.Duration) {
	version := tls.VersionName(state.Version)
	attrs := []attribute.KeyValue{
		attribute.String("tls_version", version),
		attribute.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
	}

	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	c.tlsVersionDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", version),
	))
}

// RecordHandshakeError records a TLS handshake error
func (c *TLSMetricsCollector) RecordHandshakeError(ctx context.Context, errorType TLSErrorType, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("error_type", string(errorType)),
	}

	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordALPNMiss records an ALPN protocol the server did not select
func (c *TLSMetricsCollector) RecordALPNMiss(ctx context.Context, requested string) {
	c.alpnMisses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alpn_protocol", requested),
	))
	c.logger.Debug("ALPN miss recorded", "alpn_protocol", requested)
}
