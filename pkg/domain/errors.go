package domain

import (
	"errors"
	"fmt"
)

// Pipeline level errors.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// Request validation errors. These are raised before any socket is created.
var (
	ErrMissingHost    = errors.New("message doesn't contain a host")
	ErrInvalidPort    = errors.New("message doesn't contain a valid port")
	ErrInvalidFormat  = errors.New("unsupported payload format")
	ErrInvalidBase64  = errors.New("payload is not valid base64")
	ErrInvalidJSON    = errors.New("payload is not valid JSON")
	ErrMissingPayload = errors.New("message doesn't contain the configured payload field")
)

// TLS configuration errors.
var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrInvalidPrivateKey  = errors.New("invalid private key")
)

// Network errors.
var (
	ErrConnectFailed  = errors.New("TCP connect failed")
	ErrConnectTimeout = errors.New("TCP connect timed out")
	ErrWriteFailed    = errors.New("TCP write failed")
	ErrNoResponse     = errors.New("no response received from TCP server")
	ErrReadTimeout    = errors.New("TCP read timed out")
	ErrReadFailed     = errors.New("TCP read failed")
)

// ErrTargetDenied is returned when the target policy rejects a destination.
var ErrTargetDenied = errors.New("target denied by policy")

// ErrorKind classifies a request failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTLSConfig  ErrorKind = "tls_config"
	KindConnect    ErrorKind = "connect"
	KindIO         ErrorKind = "io"
	KindPolicy     ErrorKind = "policy"
)

// Request stages, reported as RequestError.Op.
const (
	StageResolve    = "resolve"
	StagePolicy     = "policy"
	StageEncode     = "encode"
	StageTLSContext = "tls_context"
	StageConnect    = "connect"
	StageHandshake  = "handshake"
	StageWrite      = "write"
	StageRead       = "read"
)

// RequestError is the failure returned for a single request. Op names the
// stage that was reached; Err carries one of the sentinels above, usually
// wrapped with detail.
type RequestError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewRequestError builds a RequestError.
func NewRequestError(kind ErrorKind, op string, err error) *RequestError {
	return &RequestError{Kind: kind, Op: op, Err: err}
}

func (e *RequestError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed at %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Retriable reports whether a caller may reasonably retry. Nothing in this
// module retries on its own.
func (e *RequestError) Retriable() bool {
	return e.Kind == KindConnect || e.Kind == KindIO
}

// KindOf returns the kind of the first RequestError in err's chain, or the
// empty kind.
func KindOf(err error) ErrorKind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	return ""
}

// ErrorCode maps a kind to the machine-readable code used in API responses.
func ErrorCode(kind ErrorKind) string {
	switch kind {
	case KindValidation:
		return "VALIDATION_FAILED"
	case KindTLSConfig:
		return "TLS_CONFIG_INVALID"
	case KindConnect:
		return "CONNECT_FAILED"
	case KindIO:
		return "IO_FAILED"
	case KindPolicy:
		return "TARGET_DENIED"
	default:
		return "INTERNAL_ERROR"
	}
}

// ErrorResponse defines the JSON error model returned by the message API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
