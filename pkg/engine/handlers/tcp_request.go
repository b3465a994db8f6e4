// Package handlers provides node handler implementations for the pipeline
// executor. The tcp.request handler resolves a connection target and TLS
// material from the message, performs one TCP exchange and attaches the
// decoded response to the outgoing message.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	itls "github.com/polisai/polis-tcp/internal/tls"
	"github.com/polisai/polis-tcp/pkg/codec"
	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
	"github.com/polisai/polis-tcp/pkg/policy"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
	"github.com/polisai/polis-tcp/pkg/telemetry"
)

// ResponseMetadataKey carries the decoded response on the outgoing message.
const ResponseMetadataKey = "tcpResponse"

// TruncatedMetadataKey is set to "true" when the response filled the read buffer.
const TruncatedMetadataKey = "tcpResponseTruncated"

// TCPRequestHandler executes tcp.request nodes.
type TCPRequestHandler struct {
	logger   *slog.Logger
	sender   tcpclient.Sender
	builder  *itls.ContextBuilder
	policies sync.Map // policy source hash -> policy.Evaluator
}

// NewTCPRequestHandler creates a handler sending through sender.
func NewTCPRequestHandler(logger *slog.Logger, sender tcpclient.Sender) *TCPRequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPRequestHandler{
		logger:  logger.With("component", "tcp.request"),
		sender:  sender,
		builder: itls.NewContextBuilder(logger),
	}
}

// Execute runs one request for msg. Failures return the input message and a
// *domain.RequestError naming the stage reached.
func (h *TCPRequestHandler) Execute(ctx context.Context, node *domain.PipelineNode, msg *domain.Message) (runtime.NodeResult, error) {
	if msg == nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, errors.New("tcp.request: message is nil")
	}

	out, err := h.execute(ctx, node, msg)
	if err != nil {
		var reqErr *domain.RequestError
		stage := ""
		if errors.As(err, &reqErr) {
			stage = reqErr.Op
		}
		h.logger.WarnContext(ctx, "tcp request node failed",
			"node_id", node.ID,
			"message_id", msg.ID,
			"stage", stage,
			"kind", domain.KindOf(err),
			"error", err,
		)
		return runtime.NodeResult{Outcome: outcomeFor(err), Message: msg}, err
	}
	return runtime.Success(out), nil
}

func (h *TCPRequestHandler) execute(ctx context.Context, node *domain.PipelineNode, msg *domain.Message) (*domain.Message, error) {
	cfg, err := ParseTCPRequestConfig(node.Config)
	if err != nil {
		return nil, domain.NewRequestError(domain.KindValidation, domain.StageResolve,
			fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err))
	}

	target, err := resolveTarget(cfg, msg)
	if err != nil {
		return nil, domain.NewRequestError(domain.KindValidation, domain.StageResolve, err)
	}

	if err := h.admit(ctx, node, cfg, target, msg); err != nil {
		return nil, err
	}

	payload, err := resolvePayload(cfg, msg)
	if err != nil {
		return nil, domain.NewRequestError(domain.KindValidation, domain.StageEncode, err)
	}

	var tlsCtx *itls.ClientContext
	if target.UseTLS {
		tlsCtx, err = h.builder.Build(ctx, resolveTLSMaterial(cfg.TLS, msg))
		if err != nil {
			return nil, domain.NewRequestError(domain.KindTLSConfig, domain.StageTLSContext, err)
		}
	}

	resp, err := h.sender.Send(ctx, tcpclient.Request{
		Target:         target,
		TLS:            tlsCtx,
		Payload:        payload.Raw,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}

	decoded, err := codec.Decode(cfg.ResponseType, resp.Raw)
	if err != nil {
		return nil, domain.NewRequestError(domain.KindValidation, domain.StageRead, err)
	}

	metadata := map[string]string{ResponseMetadataKey: decoded}
	if resp.Truncated {
		metadata[TruncatedMetadataKey] = "true"
	}

	data := msg.Data
	if cfg.WrapResponse {
		if data, err = codec.WrapResponse(cfg.ResponseType, decoded); err != nil {
			return nil, domain.NewRequestError(domain.KindValidation, domain.StageRead, err)
		}
	}

	h.logger.DebugContext(ctx, "tcp request node completed",
		"node_id", node.ID,
		"message_id", msg.ID,
		"address", target.Address(),
		"tls", target.UseTLS,
		"response_bytes", len(resp.Raw),
	)
	return msg.Transform(metadata, data), nil
}

func resolveTarget(cfg TCPRequestConfig, msg *domain.Message) (domain.ConnectionTarget, error) {
	host := strings.TrimSpace(ProcessPattern(cfg.HostKey, msg))
	if host == "" {
		return domain.ConnectionTarget{}, domain.ErrMissingHost
	}
	port, err := domain.ParsePort(ProcessPattern(cfg.PortKey, msg))
	if err != nil {
		return domain.ConnectionTarget{}, err
	}
	useTLS := strings.EqualFold(strings.TrimSpace(ProcessPattern(cfg.TLSKey, msg)), "true")
	return domain.ConnectionTarget{Host: host, Port: port, UseTLS: useTLS}, nil
}

func resolvePayload(cfg TCPRequestConfig, msg *domain.Message) (codec.Envelope, error) {
	text := msg.Data
	if cfg.PayloadKey != "" {
		field, err := codec.ExtractField(msg.Data, cfg.PayloadKey)
		if err != nil {
			return codec.Envelope{}, err
		}
		text = field
	}
	return codec.Encode(cfg.PayloadType, text)
}

func resolveTLSMaterial(cfg TCPTLSConfig, msg *domain.Message) domain.TLSMaterial {
	resolve := func(pattern string) string {
		if pattern == "" {
			return ""
		}
		return ProcessPattern(pattern, msg)
	}
	return domain.TLSMaterial{
		CAPEM:                   resolve(cfg.CACertificateKey),
		ClientCertPEM:           resolve(cfg.CertificateKey),
		ClientKeyPEM:            resolve(cfg.PrivateKeyKey),
		KeyPassphrase:           resolve(cfg.PrivateKeyPassphraseKey),
		ServerName:              strings.TrimSpace(resolve(cfg.ServerNameKey)),
		ALPNProtocol:            strings.TrimSpace(resolve(cfg.ALPNProtocolKey)),
		VerifyServerCertificate: cfg.VerifyServerCertificate,
	}
}

// admit evaluates the node's target policy, if any.
func (h *TCPRequestHandler) admit(ctx context.Context, node *domain.PipelineNode, cfg TCPRequestConfig, target domain.ConnectionTarget, msg *domain.Message) error {
	if cfg.TargetPolicy == "" {
		return nil
	}

	evaluator, err := h.targetPolicy(ctx, cfg)
	if err != nil {
		return domain.NewRequestError(domain.KindValidation, domain.StagePolicy,
			fmt.Errorf("%w: target policy: %w", domain.ErrConfigInvalid, err))
	}

	decision, err := evaluator.Evaluate(ctx, policy.TargetInput{
		Host:       target.Host,
		Port:       target.Port,
		TLS:        target.UseTLS,
		Originator: msg.Originator,
	})
	if err != nil {
		return domain.NewRequestError(domain.KindPolicy, domain.StagePolicy, err)
	}
	telemetry.RecordTargetDecision(trace.SpanFromContext(ctx), decision)
	if !decision.Allow {
		h.logger.InfoContext(ctx, "tcp target denied by policy",
			"node_id", node.ID,
			"address", target.Address(),
			"reason", decision.Reason,
		)
		return domain.NewRequestError(domain.KindPolicy, domain.StagePolicy,
			fmt.Errorf("%w: %s", domain.ErrTargetDenied, decision.Reason))
	}
	return nil
}

// targetPolicy compiles a policy once per distinct source and mode.
func (h *TCPRequestHandler) targetPolicy(ctx context.Context, cfg TCPRequestConfig) (policy.Evaluator, error) {
	sum := sha256.Sum256([]byte(string(cfg.TargetPolicyMode) + "\x00" + cfg.TargetPolicy))
	key := hex.EncodeToString(sum[:])
	if cached, ok := h.policies.Load(key); ok {
		return cached.(policy.Evaluator), nil
	}

	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Modules: map[string]string{"target.rego": cfg.TargetPolicy},
		Logger:  h.logger,
	})
	if err != nil {
		return nil, err
	}
	guard := policy.Guard{Evaluator: engine, Mode: cfg.TargetPolicyMode, Logger: h.logger}
	actual, _ := h.policies.LoadOrStore(key, guard)
	return actual.(policy.Evaluator), nil
}

func outcomeFor(err error) runtime.NodeOutcome {
	switch {
	case domain.KindOf(err) == domain.KindPolicy:
		return runtime.OutcomeDeny
	case errors.Is(err, domain.ErrConnectTimeout), errors.Is(err, domain.ErrReadTimeout):
		return runtime.OutcomeTimeout
	default:
		return runtime.OutcomeFailure
	}
}
