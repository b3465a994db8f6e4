package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/polisai/polis-tcp/pkg/domain"
)

// Input names used in errors, logs and metrics.
const (
	FieldCACertificate     = "ca_certificate"
	FieldClientCertificate = "client_certificate"
	FieldPrivateKey        = "private_key"
)

// ClientIdentityAlias is the name the client identity is registered under.
const ClientIdentityAlias = "client-key"

// ContextBuilder turns per-request PEM material into a ClientContext. It holds
// no material between calls and is safe for concurrent use.
type ContextBuilder struct {
	logger      *TLSLogger
	metrics     *TLSMetricsCollector
	systemRoots func() (*x509.CertPool, error)
}

// NewContextBuilder creates a builder that starts every trust pool from the
// platform roots.
func NewContextBuilder(logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := GetTLSMetricsCollector(logger)
	if err != nil {
		logger.Warn("TLS metrics unavailable", "error", err)
		metrics = nil
	}

	return &ContextBuilder{
		logger:      NewTLSLogger(logger),
		metrics:     metrics,
		systemRoots: x509.SystemCertPool,
	}
}

// Build validates material and produces a client context for one connection
// attempt. Any supplied but undecodable PEM input fails here, before I/O.
func (b *ContextBuilder) Build(ctx context.Context, material domain.TLSMaterial) (*ClientContext, error) {
	pool, err := b.systemRoots()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	summary := ContextSummary{
		ServerName:   strings.TrimSpace(material.ServerName),
		ALPNProtocol: strings.TrimSpace(material.ALPNProtocol),
		Insecure:     !material.VerifyServerCertificate,
	}

	if strings.TrimSpace(material.CAPEM) != "" {
		caCert, err := ParseCertificatePEM(FieldCACertificate, material.CAPEM)
		if err != nil {
			return nil, b.rejectMaterial(ctx, FieldCACertificate, err)
		}
		pool.AddCert(caCert)
		summary.CustomCA = true
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: summary.ServerName,
	}
	if summary.ALPNProtocol != "" {
		cfg.NextProtos = []string{summary.ALPNProtocol}
	}
	if summary.Insecure {
		// Trust any server certificate: no chain or hostname validation.
		cfg.InsecureSkipVerify = true //nolint:gosec // explicit per-request opt-in
		b.logger.LogInsecureTrust(ctx, summary.ServerName)
	}

	hasCert := strings.TrimSpace(material.ClientCertPEM) != ""
	hasKey := strings.TrimSpace(material.ClientKeyPEM) != ""
	switch {
	case hasCert && hasKey:
		identity, algorithm, err := b.buildIdentity(ctx, material)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{identity}
		summary.ClientIdentity = true
		summary.KeyAlgorithm = algorithm
	case hasCert || hasKey:
		b.logger.LogPartialIdentity(ctx, hasCert, hasKey)
	}

	b.logger.LogContextBuilt(ctx, summary)
	if b.metrics != nil {
		b.metrics.RecordContextBuilt(ctx, summary)
	}

	return &ClientContext{
		config:  cfg,
		summary: summary,
		logger:  b.logger,
		metrics: b.metrics,
	}, nil
}

func (b *ContextBuilder) buildIdentity(ctx context.Context, material domain.TLSMaterial) (tls.Certificate, string, error) {
	cert, err := ParseCertificatePEM(FieldClientCertificate, material.ClientCertPEM)
	if err != nil {
		return tls.Certificate{}, "", b.rejectMaterial(ctx, FieldClientCertificate, err)
	}

	key, err := ParsePrivateKeyPEM(material.ClientKeyPEM, material.KeyPassphrase)
	if err != nil {
		return tls.Certificate{}, "", b.rejectMaterial(ctx, FieldPrivateKey, err)
	}

	if !KeyMatchesCertificate(key.Signer, cert) {
		return tls.Certificate{}, "", b.rejectMaterial(ctx, FieldPrivateKey, NewKeyMismatchError(key.Algorithm))
	}

	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key.Signer,
		Leaf:        cert,
	}, key.Algorithm, nil
}

func (b *ContextBuilder) rejectMaterial(ctx context.Context, field string, err error) error {
	b.logger.LogMaterialFailure(ctx, field, err)
	if b.metrics != nil {
		errType := ErrorTypeCertificateParsing
		var tlsErr *TLSError
		if errors.As(err, &tlsErr) {
			errType = tlsErr.Type
		}
		b.metrics.RecordCertificateError(ctx, field, errType)
	}
	return err
}

// ClientContext is the TLS configuration for exactly one connection attempt.
type ClientContext struct {
	config  *tls.Config
	summary ContextSummary
	logger  *TLSLogger
	metrics *TLSMetricsCollector
}

// Config returns a fresh copy of the underlying configuration.
func (c *ClientContext) Config() *tls.Config {
	return c.config.Clone()
}

// ConfigFor returns a configuration whose server name falls back to host.
func (c *ClientContext) ConfigFor(host string) *tls.Config {
	cfg := c.config.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// Insecure reports whether server certificate validation is bypassed.
func (c *ClientContext) Insecure() bool { return c.summary.Insecure }

// HasClientIdentity reports whether a client certificate will be presented.
func (c *ClientContext) HasClientIdentity() bool { return c.summary.ClientIdentity }

// ServerName returns the configured SNI name, empty when the target host is used.
func (c *ClientContext) ServerName() string { return c.summary.ServerName }

// ALPNProtocol returns the advertised application protocol, if any.
func (c *ClientContext) ALPNProtocol() string { return c.summary.ALPNProtocol }

// KeyAlgorithm returns the algorithm of the client key, if any.
func (c *ClientContext) KeyAlgorithm() string { return c.summary.KeyAlgorithm }

// Handshake wraps conn in a TLS client session and completes the handshake
// within ctx. ALPN mismatch is logged, not returned.
func (c *ClientContext) Handshake(ctx context.Context, conn net.Conn, host string) (*tls.Conn, error) {
	cfg := c.ConfigFor(host)
	tlsConn := tls.Client(conn, cfg)
	remoteAddr := conn.RemoteAddr().String()

	start := time.Now()
	err := tlsConn.HandshakeContext(ctx)
	duration := time.Since(start)

	if err != nil {
		var tlsErr *TLSError
		if isTimeout(err) {
			tlsErr = NewHandshakeTimeoutError(duration.String())
			tlsErr.Cause = err
		} else {
			tlsErr = NewHandshakeFailureError("handshake rejected", err)
		}
		tlsErr.WithContext("server_name", cfg.ServerName)

		c.logger.LogHandshakeFailure(ctx, remoteAddr, cfg.ServerName, tlsErr.Type, err, duration)
		if c.metrics != nil {
			c.metrics.RecordHandshakeError(ctx, tlsErr.Type, duration)
		}
		return nil, tlsErr
	}

	state := tlsConn.ConnectionState()
	c.logger.LogHandshakeSuccess(ctx, remoteAddr, state, duration)
	if c.metrics != nil {
		c.metrics.RecordHandshakeSuccess(ctx, state, duration)
	}

	if alpn := c.summary.ALPNProtocol; alpn != "" && state.NegotiatedProtocol != alpn {
		c.logger.LogALPNNotNegotiated(ctx, remoteAddr, alpn, state.NegotiatedProtocol)
		if c.metrics != nil {
			c.metrics.RecordALPNMiss(ctx, alpn)
		}
	}

	return tlsConn, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
