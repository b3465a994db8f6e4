package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
)

// DefaultMaxBodyBytes caps the size of a submitted message.
const DefaultMaxBodyBytes = 1 << 20

// MessageRequest is the JSON body accepted by the message endpoint. Data may
// be a JSON string, used verbatim, or any other JSON value, used as its
// encoded text.
type MessageRequest struct {
	Type       string            `json:"type"`
	Originator string            `json:"originator"`
	Metadata   map[string]string `json:"metadata"`
	Data       json.RawMessage   `json:"data"`
}

// MessageResponse is returned when a pipeline completes.
type MessageResponse struct {
	ID         string              `json:"id"`
	PipelineID string              `json:"pipeline_id"`
	Outcome    runtime.NodeOutcome `json:"outcome"`
	Metadata   map[string]string   `json:"metadata"`
	Data       string              `json:"data"`
	Trace      []NodeTrace         `json:"trace"`
}

// MessageHandler exposes pipeline execution over HTTP.
type MessageHandler struct {
	executor     *DAGExecutor
	registry     *PipelineRegistry
	logger       *slog.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
}

// MessageHandlerConfig holds configuration for creating a MessageHandler.
type MessageHandlerConfig struct {
	Registry     *PipelineRegistry
	Executor     *DAGExecutor
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// NewMessageHandler constructs the HTTP message API. When Executor is nil a
// default executor is created over Registry.
func NewMessageHandler(cfg MessageHandlerConfig) *MessageHandler {
	if cfg.Registry == nil {
		panic("engine: pipeline registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	executor := cfg.Executor
	if executor == nil {
		executor = NewDAGExecutor(DAGExecutorConfig{Registry: cfg.Registry, Logger: logger})
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	h := &MessageHandler{
		executor:     executor,
		registry:     cfg.Registry,
		logger:       logger.With("component", "message_api"),
		maxBodyBytes: maxBody,
		mux:          http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /v1/pipelines/{id}/messages", h.handleMessage)
	h.mux.HandleFunc("GET /v1/pipelines", h.handleListPipelines)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	return h
}

// ServeHTTP implements http.Handler.
func (h *MessageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *MessageHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pipelineID := r.PathValue("id")

	var req MessageRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeErrorResponse(ctx, w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "message body exceeds limit")
			return
		}
		h.writeErrorResponse(ctx, w, http.StatusBadRequest, "INVALID_BODY", "message body must be a JSON object")
		return
	}

	data, err := messageData(req.Data)
	if err != nil {
		h.writeErrorResponse(ctx, w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	msg := domain.NewMessage(req.Type, req.Originator, req.Metadata, data)
	h.logger.DebugContext(ctx, "message received",
		"pipeline_id", pipelineID,
		"message_id", msg.ID,
		"type", msg.Type,
		"originator", msg.Originator,
	)

	result, err := h.executor.Execute(ctx, pipelineID, msg)
	if err != nil {
		status, code := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "pipeline execution failed", "pipeline_id", pipelineID, "message_id", msg.ID, "error", err)
		} else {
			h.logger.InfoContext(ctx, "pipeline execution rejected", "pipeline_id", pipelineID, "message_id", msg.ID, "error", err)
		}
		h.writeErrorResponse(ctx, w, status, code, err.Error())
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, MessageResponse{
		ID:         result.Message.ID,
		PipelineID: result.PipelineID,
		Outcome:    result.Outcome,
		Metadata:   result.Message.Metadata,
		Data:       result.Message.Data,
		Trace:      result.Trace,
	})
}

func (h *MessageHandler) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := h.registry.ListPipelines()
	ids := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		ids = append(ids, p.ID)
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"generation": h.registry.Generation(),
		"pipelines":  ids,
	})
}

func (h *MessageHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func messageData(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return trimmed, nil
}

// statusForError maps an execution error to an HTTP status and error code.
func statusForError(err error) (int, string) {
	if errors.Is(err, domain.ErrPipelineNotFound) {
		return http.StatusNotFound, "PIPELINE_NOT_FOUND"
	}

	kind := domain.KindOf(err)
	code := domain.ErrorCode(kind)
	switch kind {
	case domain.KindValidation, domain.KindTLSConfig, domain.KindPolicy:
		return http.StatusUnprocessableEntity, code
	case domain.KindConnect, domain.KindIO:
		return http.StatusBadGateway, code
	}
	if errors.Is(err, ErrTerminal) {
		return http.StatusUnprocessableEntity, "PIPELINE_TERMINATED"
	}
	return http.StatusInternalServerError, code
}

func (h *MessageHandler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a domain.ErrorResponse carrying the trace ID when present.
func (h *MessageHandler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	h.writeJSON(ctx, w, statusCode, domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
	})
}
