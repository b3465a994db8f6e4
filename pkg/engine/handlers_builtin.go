package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
)

// ErrorMetadataKey carries the failure message on messages routed to a failure edge.
const ErrorMetadataKey = "error"

// ErrTerminal is returned by terminal.error nodes.
var ErrTerminal = errors.New("terminal error node reached")

// PassthroughNodeHandler logs the node execution and continues to success.
type PassthroughNodeHandler struct {
	logger *slog.Logger
}

// Execute logs the node execution and continues to success.
func (h *PassthroughNodeHandler) Execute(_ context.Context, node *domain.PipelineNode, msg *domain.Message) (runtime.NodeResult, error) {
	h.logger.Debug("passthrough node executed",
		"node_id", node.ID,
		"node_type", node.Type,
	)
	return runtime.Success(msg), nil
}

// TerminalErrorHandler ends the pipeline with a failure.
type TerminalErrorHandler struct {
	logger *slog.Logger
}

// Execute returns ErrTerminal, with the configured message when present.
func (h *TerminalErrorHandler) Execute(_ context.Context, node *domain.PipelineNode, msg *domain.Message) (runtime.NodeResult, error) {
	message := strings.TrimSpace(fmt.Sprint(node.Config["message"]))
	if message == "" || message == "<nil>" {
		message = "pipeline terminated"
	}

	attrs := []any{"node_id", node.ID, "message", message}
	if msg != nil && msg.Metadata[ErrorMetadataKey] != "" {
		attrs = append(attrs, "cause", msg.Metadata[ErrorMetadataKey])
	}
	h.logger.Info("terminal error executed", attrs...)

	return runtime.NodeResult{Outcome: runtime.OutcomeFailure, Message: msg}, fmt.Errorf("%w: %s", ErrTerminal, message)
}
