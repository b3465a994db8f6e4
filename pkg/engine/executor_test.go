package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tcp/pkg/domain"
	handlers "github.com/polisai/polis-tcp/pkg/engine/handlers"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSender echoes payloads or fails with err.
type stubSender struct {
	mu    sync.Mutex
	calls int
	reply []byte
	err   error
}

func (s *stubSender) Send(_ context.Context, req tcpclient.Request) (*tcpclient.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	raw := req.Payload
	if s.reply != nil {
		raw = s.reply
	}
	return &tcpclient.Response{Raw: append([]byte(nil), raw...)}, nil
}

func newTestExecutor(t *testing.T, sender tcpclient.Sender, pipelines ...domain.Pipeline) *DAGExecutor {
	t.Helper()
	registry := NewPipelineRegistry(discardLogger())
	require.NoError(t, registry.UpdatePipelines(pipelines))
	return NewDAGExecutor(DAGExecutorConfig{Registry: registry, Logger: discardLogger(), Sender: sender})
}

func tcpMessage(data string) *domain.Message {
	return domain.NewMessage("POST_TELEMETRY_REQUEST", "device-1", map[string]string{
		"tcpHost": "127.0.0.1",
		"tcpPort": "7000",
		"tcpTls":  "false",
	}, data)
}

func TestExecuteTCPRequestSuccess(t *testing.T) {
	sender := &stubSender{reply: []byte(`{"key":"value"}`)}
	executor := newTestExecutor(t, sender, domain.Pipeline{
		ID: "telemetry",
		Nodes: []domain.PipelineNode{
			{ID: "send", Type: "tcp.request", Config: map[string]interface{}{"responseType": "JSON"}, On: domain.NodeHandlers{Success: "done"}},
			{ID: "done", Type: "passthrough"},
		},
	})

	result, err := executor.Execute(context.Background(), "telemetry", tcpMessage(`{"temperature":21}`))
	require.NoError(t, err)
	assert.Equal(t, runtime.OutcomeSuccess, result.Outcome)
	assert.Equal(t, `{"response":{"key":"value"}}`, result.Message.Data)
	assert.Equal(t, `{"key":"value"}`, result.Message.Metadata[handlers.ResponseMetadataKey])
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "send", result.Trace[0].NodeID)
	assert.Equal(t, "done", result.Trace[1].NodeID)
	assert.Equal(t, 1, sender.calls)
}

func TestExecuteFailureRoutesToTerminalError(t *testing.T) {
	sender := &stubSender{err: domain.NewRequestError(domain.KindConnect, domain.StageConnect,
		fmt.Errorf("%w: connection refused", domain.ErrConnectFailed))}
	executor := newTestExecutor(t, sender, domain.Pipeline{
		ID: "telemetry",
		Nodes: []domain.PipelineNode{
			{ID: "send", Type: "tcp.request", On: domain.NodeHandlers{Failure: "fail"}},
			{ID: "fail", Type: "terminal.error", Config: map[string]interface{}{"message": "device unreachable"}},
		},
	})

	result, err := executor.Execute(context.Background(), "telemetry", tcpMessage("ping"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, domain.ErrConnectFailed)
	assert.Equal(t, domain.KindConnect, domain.KindOf(err))
	assert.Contains(t, err.Error(), "device unreachable")

	require.NotNil(t, result)
	assert.Equal(t, runtime.OutcomeFailure, result.Outcome)
	assert.Contains(t, result.Message.Metadata[ErrorMetadataKey], "connection refused")
	require.Len(t, result.Trace, 2)
	assert.NotEmpty(t, result.Trace[0].Error)
}

func TestExecuteHandledFailureCompletes(t *testing.T) {
	sender := &stubSender{err: domain.NewRequestError(domain.KindIO, domain.StageRead, domain.ErrNoResponse)}
	executor := newTestExecutor(t, sender, domain.Pipeline{
		ID: "telemetry",
		Nodes: []domain.PipelineNode{
			{ID: "send", Type: "tcp.request", On: domain.NodeHandlers{Failure: "log"}},
			{ID: "log", Type: "passthrough"},
		},
	})

	result, err := executor.Execute(context.Background(), "telemetry", tcpMessage("ping"))
	require.NoError(t, err)
	assert.Equal(t, runtime.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "ping", result.Message.Data)
	assert.Contains(t, result.Message.Metadata[ErrorMetadataKey], domain.ErrNoResponse.Error())
}

func TestExecuteUnhandledFailureReturnsRequestError(t *testing.T) {
	executor := newTestExecutor(t, &stubSender{}, domain.Pipeline{
		ID:    "telemetry",
		Nodes: []domain.PipelineNode{{ID: "send", Type: "tcp.request"}},
	})

	msg := domain.NewMessage("POST_TELEMETRY_REQUEST", "device-1", map[string]string{"tcpPort": "7000"}, "ping")
	result, err := executor.Execute(context.Background(), "telemetry", msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingHost)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Equal(t, runtime.OutcomeFailure, result.Outcome)
}

func TestExecuteTimeoutEdge(t *testing.T) {
	timeoutErr := domain.NewRequestError(domain.KindIO, domain.StageRead, domain.ErrReadTimeout)

	t.Run("timeout edge preferred", func(t *testing.T) {
		executor := newTestExecutor(t, &stubSender{err: timeoutErr}, domain.Pipeline{
			ID: "telemetry",
			Nodes: []domain.PipelineNode{
				{ID: "send", Type: "tcp.request", On: domain.NodeHandlers{Failure: "fail", Timeout: "slow"}},
				{ID: "slow", Type: "passthrough"},
				{ID: "fail", Type: "terminal.error"},
			},
		})
		result, err := executor.Execute(context.Background(), "telemetry", tcpMessage("ping"))
		require.NoError(t, err)
		require.Len(t, result.Trace, 2)
		assert.Equal(t, runtime.OutcomeTimeout, result.Trace[0].Outcome)
		assert.Equal(t, "slow", result.Trace[1].NodeID)
	})

	t.Run("falls back to failure edge", func(t *testing.T) {
		executor := newTestExecutor(t, &stubSender{err: timeoutErr}, domain.Pipeline{
			ID: "telemetry",
			Nodes: []domain.PipelineNode{
				{ID: "send", Type: "tcp.request", On: domain.NodeHandlers{Failure: "fail"}},
				{ID: "fail", Type: "terminal.error"},
			},
		})
		_, err := executor.Execute(context.Background(), "telemetry", tcpMessage("ping"))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrReadTimeout)
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

func TestExecutePipelineNotFound(t *testing.T) {
	executor := newTestExecutor(t, &stubSender{})
	_, err := executor.Execute(context.Background(), "missing", tcpMessage("ping"))
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
}

func TestExecuteUnknownNodeType(t *testing.T) {
	executor := newTestExecutor(t, &stubSender{}, domain.Pipeline{
		ID:    "p",
		Nodes: []domain.PipelineNode{{ID: "a", Type: "udp.request"}},
	})
	_, err := executor.Execute(context.Background(), "p", tcpMessage("ping"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

type hintHandler struct{ next string }

func (h *hintHandler) Execute(_ context.Context, _ *domain.PipelineNode, msg *domain.Message) (runtime.NodeResult, error) {
	return runtime.NodeResult{Outcome: runtime.OutcomeSuccess, NextHint: h.next, Message: msg}, nil
}

func TestExecuteDetectsCycle(t *testing.T) {
	executor := newTestExecutor(t, &stubSender{}, domain.Pipeline{
		ID: "loop",
		Nodes: []domain.PipelineNode{
			{ID: "a", Type: "passthrough", On: domain.NodeHandlers{Success: "b"}},
			{ID: "b", Type: "passthrough", On: domain.NodeHandlers{Success: "a"}},
		},
	})
	_, err := executor.Execute(context.Background(), "loop", tcpMessage("ping"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestExecuteNextHint(t *testing.T) {
	executor := newTestExecutor(t, &stubSender{}, domain.Pipeline{
		ID: "hint",
		Nodes: []domain.PipelineNode{
			{ID: "a", Type: "test.hint", On: domain.NodeHandlers{Success: "b"}},
			{ID: "b", Type: "terminal.error"},
			{ID: "c", Type: "passthrough"},
		},
	})
	executor.RegisterHandler("test.hint", &hintHandler{next: "c"})

	result, err := executor.Execute(context.Background(), "hint", tcpMessage("ping"))
	require.NoError(t, err)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "c", result.Trace[1].NodeID)

	executor.RegisterHandler("test.hint", &hintHandler{next: "nowhere"})
	_, err = executor.Execute(context.Background(), "hint", tcpMessage("ping"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown next node")
}

func TestExecuteCancelledContext(t *testing.T) {
	executor := newTestExecutor(t, &stubSender{}, domain.Pipeline{
		ID:    "p",
		Nodes: []domain.PipelineNode{{ID: "a", Type: "passthrough"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Execute(ctx, "p", tcpMessage("ping"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, runtime.OutcomeDeny, classifyError(domain.NewRequestError(domain.KindPolicy, domain.StagePolicy, domain.ErrTargetDenied)))
	assert.Equal(t, runtime.OutcomeTimeout, classifyError(domain.NewRequestError(domain.KindConnect, domain.StageConnect, domain.ErrConnectTimeout)))
	assert.Equal(t, runtime.OutcomeTimeout, classifyError(context.DeadlineExceeded))
	assert.Equal(t, runtime.OutcomeFailure, classifyError(errors.New("boom")))
}
