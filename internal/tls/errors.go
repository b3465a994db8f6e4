package tls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-tcp/pkg/domain"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Certificate material errors
	ErrorTypeCertificateParsing TLSErrorType = "certificate_parsing"
	ErrorTypePrivateKeyParsing  TLSErrorType = "private_key_parsing"
	ErrorTypeKeyMismatch        TLSErrorType = "key_mismatch"

	// TLS handshake errors
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"
	ErrorTypeUnknownAuthority TLSErrorType = "unknown_authority"
	ErrorTypeHostnameMismatch TLSErrorType = "hostname_mismatch"

	// ALPN is advisory, never fatal
	ErrorTypeALPNNotNegotiated TLSErrorType = "alpn_not_negotiated"

	// Listener configuration errors
	ErrorTypeConfiguration TLSErrorType = "configuration"
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// Is lets callers match material errors against the domain sentinels.
func (e *TLSError) Is(target error) bool {
	switch target {
	case domain.ErrInvalidCertificate:
		return e.Type == ErrorTypeCertificateParsing
	case domain.ErrInvalidPrivateKey:
		return e.Type == ErrorTypePrivateKeyParsing || e.Type == ErrorTypeKeyMismatch
	}
	return false
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewCertificateParseError reports PEM or X.509 decoding failures for field.
func NewCertificateParseError(field, reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateParsing, fmt.Sprintf("failed to parse %s: %s", field, reason), cause).
		WithContext("field", field).
		WithSuggestion("Supply exactly one PEM block of type CERTIFICATE").
		WithSuggestion("Check that the certificate text was not truncated or re-encoded")
}

// NewPrivateKeyParseError reports that no key decoder accepted the material.
func NewPrivateKeyParseError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypePrivateKeyParsing, fmt.Sprintf("failed to parse private key: %s", reason), cause).
		WithSuggestion("Supply an RSA or EC private key in PKCS#8 PEM form").
		WithSuggestion("Provide the passphrase if the key block is encrypted")
}

// NewKeyMismatchError reports a private key that does not belong to the certificate.
func NewKeyMismatchError(algorithm string) *TLSError {
	return NewTLSError(ErrorTypeKeyMismatch, "private key does not match client certificate").
		WithContext("key_algorithm", algorithm).
		WithSuggestion("Ensure the certificate and private key were issued as a pair")
}

// NewHandshakeFailureError wraps a failed handshake.
func NewHandshakeFailureError(reason string, cause error) *TLSError {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError

	switch {
	case errors.As(cause, &unknownAuthority):
		return NewTLSErrorWithCause(ErrorTypeUnknownAuthority, "server certificate signed by unknown authority", cause).
			WithContext("failure_reason", reason).
			WithSuggestion("Supply the issuing CA certificate or disable server certificate verification")
	case errors.As(cause, &hostname):
		return NewTLSErrorWithCause(ErrorTypeHostnameMismatch, "server certificate does not match server name", cause).
			WithContext("failure_reason", reason).
			WithContext("host", hostname.Host).
			WithSuggestion("Set the SNI server name to a name listed in the server certificate")
	}

	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, fmt.Sprintf("TLS handshake failed: %s", reason), cause).
		WithContext("failure_reason", reason).
		WithSuggestion("Check that the endpoint speaks TLS on this port").
		WithSuggestion("Verify client certificate requirements of the server")
}

// NewHandshakeTimeoutError reports a handshake that exceeded its deadline.
func NewHandshakeTimeoutError(timeout string) *TLSError {
	return NewTLSError(ErrorTypeHandshakeTimeout, "TLS handshake timed out").
		WithContext("timeout", timeout).
		WithSuggestion("Check that the endpoint speaks TLS on this port").
		WithSuggestion("Consider increasing the connect timeout")
}

// Error classification helpers
func IsCertificateError(err error) bool {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Type == ErrorTypeCertificateParsing
	}
	return false
}

func IsPrivateKeyError(err error) bool {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypePrivateKeyParsing, ErrorTypeKeyMismatch:
			return true
		}
	}
	return false
}

func IsHandshakeError(err error) bool {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypeHandshakeFailure, ErrorTypeHandshakeTimeout, ErrorTypeUnknownAuthority,
			ErrorTypeHostnameMismatch:
			return true
		}
	}
	return false
}

// IsHandshakeTimeout reports a handshake that ran out of time.
func IsHandshakeTimeout(err error) bool {
	var tlsErr *TLSError
	return errors.As(err, &tlsErr) && tlsErr.Type == ErrorTypeHandshakeTimeout
}

// IsMaterialError reports errors that are raised before any network I/O.
func IsMaterialError(err error) bool {
	return IsCertificateError(err) || IsPrivateKeyError(err)
}

// GetRecoverySuggestions returns the suggestions attached to a TLS error.
func GetRecoverySuggestions(err error) []string {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Suggestions
	}
	return []string{"Check logs for more details", "Verify TLS material is correct"}
}
