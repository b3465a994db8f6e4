package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tcp/pkg/domain"
	handlers "github.com/polisai/polis-tcp/pkg/engine/handlers"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
	"github.com/polisai/polis-tcp/pkg/telemetry"
)

// DAGExecutor executes pipeline DAGs with node-by-node traversal.
type DAGExecutor struct {
	registry *PipelineRegistry
	logger   *slog.Logger
	handlers *handlerRegistry
	sender   tcpclient.Sender
}

// handlerRegistry stores canonical handlers and alias mappings.
type handlerRegistry struct {
	handlers map[string]runtime.NodeHandler
	aliases  map[string]string
}

type handlerMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

// NodeTrace records one executed node.
type NodeTrace struct {
	NodeID   string              `json:"node_id"`
	NodeType string              `json:"node_type"`
	Outcome  runtime.NodeOutcome `json:"outcome"`
	Duration time.Duration       `json:"duration_ns"`
	Error    string              `json:"error,omitempty"`
}

// ExecutionResult is the final state of a pipeline run.
type ExecutionResult struct {
	PipelineID string
	Message    *domain.Message
	Outcome    runtime.NodeOutcome
	Trace      []NodeTrace
}

// DAGExecutorConfig holds dependencies for creating a DAGExecutor.
type DAGExecutorConfig struct {
	Registry *PipelineRegistry
	Logger   *slog.Logger
	// Sender performs tcp.request exchanges. Defaults to a tcpclient.Client.
	Sender tcpclient.Sender
}

// NewDAGExecutor creates a new DAG executor with the given configuration.
func NewDAGExecutor(cfg DAGExecutorConfig) *DAGExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sender := cfg.Sender
	if sender == nil {
		sender = tcpclient.NewClient(tcpclient.Config{Logger: logger})
	}

	executor := &DAGExecutor{
		registry: cfg.Registry,
		logger:   logger,
		handlers: newHandlerRegistry(),
		sender:   sender,
	}
	executor.registerDefaultHandlers()

	return executor
}

// Execute runs the pipeline identified by pipelineID against msg. The result
// is returned even when err is non-nil so callers can report the trace.
func (e *DAGExecutor) Execute(ctx context.Context, pipelineID string, msg *domain.Message) (*ExecutionResult, error) {
	if e.registry == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	pipeline, ok := e.registry.GetPipeline(pipelineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	if msg == nil {
		return nil, errors.New("message is required")
	}

	return e.executePipeline(ctx, pipeline, msg)
}

// executePipeline walks the DAG from its first node.
func (e *DAGExecutor) executePipeline(ctx context.Context, pipeline *domain.Pipeline, msg *domain.Message) (*ExecutionResult, error) {
	e.logger.InfoContext(ctx, "executing pipeline",
		"pipeline_id", pipeline.ID,
		"message_id", msg.ID,
	)

	tracer := otel.Tracer("polis.tcp.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.execute")
	defer span.End()

	baseAttrs := []attribute.KeyValue{
		attribute.String("pipeline.id", pipeline.ID),
		attribute.Int("pipeline.version", pipeline.Version),
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", msg.Type),
		attribute.String("message.originator", msg.Originator),
	}
	span.SetAttributes(baseAttrs...)
	span.SetAttributes(telemetry.MetadataAttributes(msg.Metadata)...)

	result := &ExecutionResult{PipelineID: pipeline.ID, Message: msg, Outcome: runtime.OutcomeSuccess}
	fail := func(err error) (*ExecutionResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	if len(pipeline.Nodes) == 0 {
		return fail(fmt.Errorf("pipeline %q has no nodes", pipeline.ID))
	}

	// pendingErr is the failure currently being handled by a failure branch.
	var pendingErr error
	currentNodeID := pipeline.Nodes[0].ID
	visited := make(map[string]bool)
	maxIterations := len(pipeline.Nodes) * 10

	for i := 0; i < maxIterations; i++ {
		if currentNodeID == "" {
			e.logger.DebugContext(ctx, "pipeline execution complete",
				"pipeline_id", pipeline.ID,
				"outcome", result.Outcome,
			)
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("pipeline %q aborted: %w", pipeline.ID, err))
		}

		if visited[currentNodeID] {
			return fail(fmt.Errorf("cycle detected: node %q visited twice", currentNodeID))
		}
		visited[currentNodeID] = true

		node := pipeline.FindNode(currentNodeID)
		if node == nil {
			return fail(fmt.Errorf("node %q not found in pipeline %q", currentNodeID, pipeline.ID))
		}

		nodeCtx, nodeSpan := tracer.Start(ctx, "pipeline.node",
			trace.WithAttributes(
				attribute.String("node.id", node.ID),
				attribute.String("node.type", node.Type),
			),
		)

		step, err := e.executeNode(nodeCtx, pipeline, node, result.Message)
		nodeSpan.SetAttributes(attribute.String("node.outcome", string(step.outcome)))

		nodeTrace := NodeTrace{
			NodeID:   node.ID,
			NodeType: node.Type,
			Outcome:  step.outcome,
			Duration: step.duration,
		}
		if err != nil {
			nodeTrace.Error = err.Error()
		}
		result.Trace = append(result.Trace, nodeTrace)
		result.Outcome = step.outcome
		if step.message != nil {
			result.Message = step.message
		}

		if err != nil {
			nodeSpan.RecordError(err)
			nodeSpan.SetStatus(codes.Error, err.Error())
			nodeSpan.End()

			if pendingErr != nil {
				err = fmt.Errorf("%w: %w", err, pendingErr)
			}

			if step.nextNodeID == "" {
				e.logger.ErrorContext(ctx, "node execution failed",
					"pipeline_id", pipeline.ID,
					"node_id", node.ID,
					"error", err,
				)
				return fail(fmt.Errorf("node %q execution failed: %w", node.ID, err))
			}

			e.logger.InfoContext(ctx, "routing node failure",
				"pipeline_id", pipeline.ID,
				"node_id", node.ID,
				"outcome", step.outcome,
				"next_node", step.nextNodeID,
				"error", err,
			)
			pendingErr = err
			result.Message = result.Message.Transform(map[string]string{ErrorMetadataKey: err.Error()}, result.Message.Data)
			currentNodeID = step.nextNodeID
			continue
		}

		nodeSpan.End()
		currentNodeID = step.nextNodeID
	}

	return fail(fmt.Errorf("pipeline %q exceeded maximum iterations (%d)", pipeline.ID, maxIterations))
}

type nodeStep struct {
	nextNodeID string
	outcome    runtime.NodeOutcome
	message    *domain.Message
	duration   time.Duration
}

// executeNode executes a single node and returns the next node based on the outcome.
func (e *DAGExecutor) executeNode(ctx context.Context, pipeline *domain.Pipeline, node *domain.PipelineNode, msg *domain.Message) (nodeStep, error) {
	handler, meta, ok := e.handlers.resolve(node.Type)
	if !ok {
		return nodeStep{outcome: runtime.OutcomeFailure}, fmt.Errorf("no handler registered for type %q", node.Type)
	}

	nodeKind, nodeVersion := parseNodeType(meta.Canonical)
	if nodeKind == "" {
		nodeKind = meta.Kind
	}
	if nodeVersion == "" {
		nodeVersion = meta.Version
	}
	if nodeVersion == "" {
		nodeVersion = "unspecified"
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("node.kind", nodeKind),
			attribute.String("node.version", nodeVersion),
			attribute.String("node.canonical", meta.Canonical),
			attribute.String("pipeline.id", pipeline.ID),
			attribute.Int("pipeline.version", pipeline.Version),
		)
	}

	start := time.Now()
	result, execErr := handler.Execute(ctx, node, msg)
	duration := time.Since(start)
	result = result.WithDefaults()

	outcome := result.Outcome
	if execErr != nil && outcome == runtime.OutcomeSuccess {
		outcome = classifyError(execErr)
	}

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("node.outcome", string(outcome)),
			attribute.Int64("node.duration_ms", duration.Milliseconds()),
		)
	}

	var errorKind string
	if execErr != nil {
		errorKind = string(domain.KindOf(execErr))
		if errorKind == "" {
			errorKind = "internal"
		}
	}

	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		PipelineID:      pipeline.ID,
		PipelineVersion: pipeline.Version,
		NodeID:          node.ID,
		NodeKind:        nodeKind,
		NodeVersion:     nodeVersion,
		Outcome:         outcome,
		ErrorKind:       errorKind,
		Duration:        duration,
	})

	step := nodeStep{outcome: outcome, message: result.Message, duration: duration}
	nextNodeID, routeErr := e.nextNodeForOutcome(pipeline, node, result, outcome)
	if routeErr != nil {
		return step, routeErr
	}
	step.nextNodeID = nextNodeID
	return step, execErr
}

func classifyError(err error) runtime.NodeOutcome {
	switch {
	case domain.KindOf(err) == domain.KindPolicy:
		return runtime.OutcomeDeny
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrConnectTimeout),
		errors.Is(err, domain.ErrReadTimeout):
		return runtime.OutcomeTimeout
	default:
		return runtime.OutcomeFailure
	}
}

func (e *DAGExecutor) nextNodeForOutcome(
	pipeline *domain.Pipeline,
	node *domain.PipelineNode,
	result runtime.NodeResult,
	outcome runtime.NodeOutcome,
) (string, error) {
	if result.NextHint != "" {
		if pipeline.FindNode(result.NextHint) == nil {
			return "", fmt.Errorf("node %q requested unknown next node %q", node.ID, result.NextHint)
		}
		return result.NextHint, nil
	}

	switch outcome {
	case runtime.OutcomeSuccess:
		if node.On.Success != "" {
			return node.On.Success, nil
		}
	case runtime.OutcomeTimeout:
		if node.On.Timeout != "" {
			return node.On.Timeout, nil
		}
	}

	if outcome != runtime.OutcomeSuccess && node.On.Failure != "" {
		return node.On.Failure, nil
	}

	if node.On.Else != "" {
		return node.On.Else, nil
	}

	return "", nil
}

func parseNodeType(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseNodeType(key)
	return version
}

func (r *handlerRegistry) register(kind, version string, handler runtime.NodeHandler, aliases ...string) {
	canonical := canonicalKey(kind, version)
	r.handlers[canonical] = handler
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

func (r *handlerRegistry) resolve(raw string) (runtime.NodeHandler, handlerMetadata, bool) {
	kind, version := parseNodeType(raw)
	canonical := canonicalKey(kind, version)
	if handler, ok := r.handlers[canonical]; ok {
		return handler, handlerMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[raw]; ok {
		if handler, ok := r.handlers[alias]; ok {
			return handler, handlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if handler, ok := r.handlers[alias]; ok {
				return handler, handlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, handlerMetadata{}, false
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]runtime.NodeHandler),
		aliases:  make(map[string]string),
	}
}

// registerDefaultHandlers registers node handlers for production use.
func (e *DAGExecutor) registerDefaultHandlers() {
	e.handlers.register("tcp.request", "v1", handlers.NewTCPRequestHandler(e.logger, e.sender), "tcp.request", "tcp", "external.tcp")
	e.handlers.register("passthrough", "v1", &PassthroughNodeHandler{logger: e.logger}, "passthrough")
	e.handlers.register("terminal.error", "v1", &TerminalErrorHandler{logger: e.logger}, "terminal.error", "terminal_error")
}

// RegisterHandler adds or replaces a handler for a specific node type.
func (e *DAGExecutor) RegisterHandler(nodeType string, handler runtime.NodeHandler) {
	e.handlers.register(nodeType, "", handler)
}
