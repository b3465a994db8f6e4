package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
)

func TestPassthroughHandler_ReturnsMessage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := &PassthroughNodeHandler{logger: logger}

	msg := domain.NewMessage("TEST", "device-1", nil, "payload")
	result, err := handler.Execute(context.Background(), &domain.PipelineNode{ID: "pass"}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != runtime.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", result.Outcome)
	}
	if result.Message != msg {
		t.Fatalf("expected message to pass through unchanged")
	}
}

func TestTerminalErrorHandler_DefaultMessage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := &TerminalErrorHandler{logger: logger}

	msg := domain.NewMessage("TEST", "device-1", map[string]string{ErrorMetadataKey: "connect refused"}, "")
	result, err := handler.Execute(context.Background(), &domain.PipelineNode{ID: "error"}, msg)
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err.Error() != "terminal error node reached: pipeline terminated" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if result.Outcome != runtime.OutcomeFailure {
		t.Fatalf("expected failure outcome, got %s", result.Outcome)
	}
	if result.Message != msg {
		t.Fatalf("expected message to be carried on the result")
	}
}

func TestTerminalErrorHandler_ConfiguredMessage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := &TerminalErrorHandler{logger: logger}

	node := &domain.PipelineNode{
		ID:     "error",
		Config: map[string]interface{}{"message": "device offline"},
	}
	_, err := handler.Execute(context.Background(), node, nil)
	if err == nil || err.Error() != "terminal error node reached: device offline" {
		t.Fatalf("unexpected error %v", err)
	}
}
