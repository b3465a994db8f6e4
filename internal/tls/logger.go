package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for TLS events. PEM material and
// passphrases are never logged.
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// ContextSummary describes a built client context without its secrets.
type ContextSummary struct {
	ServerName     string
	ALPNProtocol   string
	CustomCA       bool
	ClientIdentity bool
	KeyAlgorithm   string
	Insecure       bool
}

// LogContextBuilt logs a successfully built client context
func (l *TLSLogger) LogContextBuilt(ctx context.Context, summary ContextSummary) {
	attrs := []slog.Attr{
		slog.String("event", "context_built"),
		slog.String("server_name", summary.ServerName),
		slog.String("alpn_protocol", summary.ALPNProtocol),
		slog.Bool("custom_ca", summary.CustomCA),
		slog.Bool("client_identity", summary.ClientIdentity),
		slog.Bool("insecure", summary.Insecure),
	}
	if summary.ClientIdentity {
		attrs = append(attrs,
			slog.String("identity_alias", ClientIdentityAlias),
			slog.String("key_algorithm", summary.KeyAlgorithm),
		)
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS client context built", attrs...)
}

// LogInsecureTrust warns that server certificate validation is disabled
func (l *TLSLogger) LogInsecureTrust(ctx context.Context, serverName string) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "server certificate verification disabled, trusting any server certificate",
		slog.String("event", "insecure_trust"),
		slog.String("server_name", serverName),
	)
}

// LogPartialIdentity logs that only one half of a client identity was supplied
func (l *TLSLogger) LogPartialIdentity(ctx context.Context, hasCert, hasKey bool) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "client identity incomplete, continuing without client certificate",
		slog.String("event", "partial_identity"),
		slog.Bool("has_certificate", hasCert),
		slog.Bool("has_private_key", hasKey),
	)
}

// LogMaterialFailure logs a PEM decode failure for one input
func (l *TLSLogger) LogMaterialFailure(ctx context.Context, field string, err error) {
	attrs := []slog.Attr{
		slog.String("event", "certificate_parse"),
		slog.String("field", field),
		slog.Bool("success", false),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, slog.LevelError, "TLS material rejected", attrs...)
}

// LogHandshakeSuccess logs a completed client handshake
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, remoteAddr string, state tls.ConnectionState, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("remote_addr", remoteAddr),
		slog.String("tls_version", tls.VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("server_name", state.ServerName),
		slog.String("negotiated_protocol", state.NegotiatedProtocol),
		slog.Duration("handshake_duration", duration),
	}

	if len(state.PeerCertificates) > 0 {
		attrs = append(attrs,
			slog.Int("peer_cert_count", len(state.PeerCertificates)),
			slog.String("peer_subject", state.PeerCertificates[0].Subject.String()),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake completed successfully", attrs...)
}

// LogHandshakeFailure logs a failed client handshake
func (l *TLSLogger) LogHandshakeFailure(ctx context.Context, remoteAddr, serverName string, errorType TLSErrorType, err error, duration time.Duration) {
	level := slog.LevelError
	if errorType == ErrorTypeHandshakeTimeout {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "TLS handshake failed",
		slog.String("event", "handshake_failure"),
		slog.String("remote_addr", remoteAddr),
		slog.String("server_name", serverName),
		slog.String("error_type", string(errorType)),
		slog.String("error", err.Error()),
		slog.Duration("handshake_duration", duration),
	)
}

// LogALPNNotNegotiated logs an advertised protocol the server did not select
func (l *TLSLogger) LogALPNNotNegotiated(ctx context.Context, remoteAddr, requested, negotiated string) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "ALPN protocol not negotiated",
		slog.String("event", string(ErrorTypeALPNNotNegotiated)),
		slog.String("remote_addr", remoteAddr),
		slog.String("requested", requested),
		slog.String("negotiated", negotiated),
	)
}
