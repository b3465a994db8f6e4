// Package tls builds one-shot TLS client contexts from PEM material supplied
// with each request.
//
// A ContextBuilder parses an optional CA certificate into a copy of the
// platform trust pool, an optional client certificate and private key (RSA
// first, then EC), and SNI/ALPN hints. Every build produces a new
// ClientContext; nothing is cached between requests. Material errors surface
// as *TLSError values before any network I/O happens, and handshake failures
// are classified the same way so callers can tell them apart.
//
// The package also carries the structured TLS logger, the OpenTelemetry
// metrics collector, listener hardening defaults, and the certificate
// generation and inspection helpers behind the certs command.
package tls
