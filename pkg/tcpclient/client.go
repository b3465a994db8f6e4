// Package tcpclient performs one synchronous request/response exchange over a
// fresh TCP or TLS connection.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	itls "github.com/polisai/polis-tcp/internal/tls"
	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/metrics"
)

const (
	// ResponseBufferSize is the capacity of the single response read.
	ResponseBufferSize = 4096

	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 5 * time.Second
)

// Dialer opens the underlying TCP connection.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Sender performs one exchange. Handlers depend on this rather than on *Client.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request describes one exchange. TLS must be set when Target.UseTLS is true
// and is used for this connection only.
type Request struct {
	Target  domain.ConnectionTarget
	TLS     *itls.ClientContext
	Payload []byte
	// ConnectTimeout bounds the dial and the TLS handshake together.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the write and, separately, the single read that
	// follows it.
	ReadTimeout time.Duration
}

// Response holds the bytes of the single read.
type Response struct {
	Raw        []byte
	RemoteAddr string
	Duration   time.Duration
	// Truncated is set when the read filled the buffer; more data may have
	// been pending on the socket.
	Truncated bool
}

// Config configures a Client.
type Config struct {
	Logger  *slog.Logger
	Dialer  Dialer
	Metrics *metrics.Metrics
}

// Client sends requests over per-request connections. It holds no connection
// state and is safe for concurrent use.
type Client struct {
	logger  *slog.Logger
	dialer  Dialer
	metrics *metrics.Metrics
}

// NewClient creates a client. A nil Dialer uses net.Dialer.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Client{
		logger:  logger.With("component", "tcpclient"),
		dialer:  dialer,
		metrics: cfg.Metrics,
	}
}

// Send connects, writes the payload once, reads once and closes. The
// connection is closed on every path.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	ctx, span := otel.Tracer("polis-tcp/tcpclient").Start(ctx, "tcp.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("net.peer.name", req.Target.Host),
		attribute.Int("net.peer.port", req.Target.Port),
		attribute.Bool("tcp.tls", req.Target.UseTLS),
		attribute.Int("tcp.payload_bytes", len(req.Payload)),
	)

	start := time.Now()
	resp, err := c.send(ctx, req)
	duration := time.Since(start)

	if err != nil {
		kind := domain.KindOf(err)
		stage := ""
		var reqErr *domain.RequestError
		if errors.As(err, &reqErr) {
			stage = reqErr.Op
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordRequest(req.Target.UseTLS, string(kind), duration)
		c.metrics.RecordRequestError(string(kind), stage)
		c.logger.WarnContext(ctx, "tcp request failed",
			"address", req.Target.Address(),
			"tls", req.Target.UseTLS,
			"kind", kind,
			"stage", stage,
			"duration", duration,
			"error", err,
		)
		return nil, err
	}

	resp.Duration = duration
	span.SetAttributes(attribute.Int("tcp.response_bytes", len(resp.Raw)))
	c.metrics.RecordRequest(req.Target.UseTLS, "success", duration)
	c.metrics.RecordResponse(len(resp.Raw), ResponseBufferSize)
	c.logger.DebugContext(ctx, "tcp request completed",
		"address", req.Target.Address(),
		"tls", req.Target.UseTLS,
		"response_bytes", len(resp.Raw),
		"truncated", resp.Truncated,
		"duration", duration,
	)
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	if err := req.Target.Validate(); err != nil {
		return nil, domain.NewRequestError(domain.KindValidation, domain.StageResolve, err)
	}
	if req.Target.UseTLS && req.TLS == nil {
		return nil, domain.NewRequestError(domain.KindTLSConfig, domain.StageTLSContext,
			errors.New("TLS requested without a client context"))
	}

	connectTimeout := orDefault(req.ConnectTimeout, DefaultConnectTimeout)
	readTimeout := orDefault(req.ReadTimeout, DefaultReadTimeout)

	conn, err := c.connect(ctx, req, connectTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, domain.NewRequestError(domain.KindIO, domain.StageWrite,
			fmt.Errorf("%w: set write deadline: %v", domain.ErrWriteFailed, err))
	}

	written, err := conn.Write(req.Payload)
	c.metrics.RecordBytesSent(written)
	if err != nil {
		return nil, domain.NewRequestError(domain.KindIO, domain.StageWrite, ioFailure(ctx, domain.ErrWriteFailed, err))
	}

	// The read timeout starts once the payload is on the wire.
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, domain.NewRequestError(domain.KindIO, domain.StageRead,
			fmt.Errorf("%w: set read deadline: %v", domain.ErrReadFailed, err))
	}

	buf := make([]byte, ResponseBufferSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return &Response{
			Raw:        buf[:n],
			RemoteAddr: conn.RemoteAddr().String(),
			Truncated:  n == ResponseBufferSize,
		}, nil
	}

	switch {
	case err == nil || errors.Is(err, io.EOF):
		return nil, domain.NewRequestError(domain.KindIO, domain.StageRead, domain.ErrNoResponse)
	case ctx.Err() == nil && isTimeout(err):
		return nil, domain.NewRequestError(domain.KindIO, domain.StageRead,
			fmt.Errorf("%w after %s", domain.ErrReadTimeout, readTimeout))
	default:
		return nil, domain.NewRequestError(domain.KindIO, domain.StageRead, ioFailure(ctx, domain.ErrReadFailed, err))
	}
}

// connect dials the target and, for TLS targets, completes the handshake.
// Both share the connect timeout.
func (c *Client) connect(ctx context.Context, req Request, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", req.Target.Address())
	if err != nil {
		if ctx.Err() == nil && (isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded)) {
			return nil, domain.NewRequestError(domain.KindConnect, domain.StageConnect,
				fmt.Errorf("%w: %s after %s", domain.ErrConnectTimeout, req.Target.Address(), timeout))
		}
		return nil, domain.NewRequestError(domain.KindConnect, domain.StageConnect,
			fmt.Errorf("%w: %w", domain.ErrConnectFailed, err))
	}

	if !req.Target.UseTLS {
		return conn, nil
	}

	tlsConn, err := req.TLS.Handshake(dialCtx, conn, req.Target.Host)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() == nil && (itls.IsHandshakeTimeout(err) || isTimeout(err)) {
			return nil, domain.NewRequestError(domain.KindConnect, domain.StageHandshake,
				fmt.Errorf("%w: handshake with %s after %s: %w", domain.ErrConnectTimeout, req.Target.Address(), timeout, err))
		}
		return nil, domain.NewRequestError(domain.KindConnect, domain.StageHandshake,
			fmt.Errorf("%w: %w", domain.ErrConnectFailed, err))
	}
	return tlsConn, nil
}

func ioFailure(ctx context.Context, sentinel, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", sentinel, ctxErr)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
