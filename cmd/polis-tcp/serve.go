package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-tcp/pkg/config"
	"github.com/polisai/polis-tcp/pkg/engine"
	"github.com/polisai/polis-tcp/pkg/logging"
	"github.com/polisai/polis-tcp/pkg/metrics"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
	"github.com/polisai/polis-tcp/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline message API",
		Long: `Serve loads pipelines from a file, reloads them when the file changes and
executes posted messages through them.

Endpoints:
  POST /v1/pipelines/{id}/messages
  GET  /v1/pipelines
  GET  /healthz
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringP("config", "c", "", "Path to service configuration file (YAML or JSON)")
	cmd.Flags().StringP("pipelines", "p", "", "Path to pipeline file (overrides pipeline.file)")
	cmd.Flags().StringP("listen", "l", "", "Address to listen on (overrides server.address)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP gRPC endpoint for traces (overrides telemetry.otlp_endpoint)")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("pretty", false, "Enable text log output")

	return cmd
}

// loadServeConfig reads the configuration file and applies flag overrides.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"pipelines", &cfg.Pipeline.File},
		{"listen", &cfg.Server.Address},
		{"otlp-endpoint", &cfg.Telemetry.OTLPEndpoint},
		{"log-level", &cfg.Logging.Level},
	}
	for _, o := range overrides {
		if !cmd.Flags().Changed(o.flag) {
			continue
		}
		val, err := cmd.Flags().GetString(o.flag)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", o.flag, err)
		}
		*o.dst = val
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty, _ = cmd.Flags().GetBool("pretty")
	}

	if cfg.Pipeline.File == "" {
		return nil, config.NewConfigMissingError("pipeline.file").
			WithSuggestion("Pass --pipelines or set POLIS_TCP_PIPELINE_FILE")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	m := metrics.NewMetrics()

	provider, err := config.NewFileProvider(cfg.Pipeline.File, config.FileProviderOptions{
		Logger:  logger,
		Metrics: m,
		Watch:   cfg.Pipeline.Watch,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close pipeline provider", "error", err)
		}
	}()

	registry := engine.NewPipelineRegistry(logger)
	updates := provider.Subscribe()
	if err := applyPipelineSet(registry, <-updates, m, logger); err != nil {
		return err
	}
	go watchPipelines(updates, registry, m, logger)

	executor := engine.NewDAGExecutor(engine.DAGExecutorConfig{
		Registry: registry,
		Logger:   logger,
		Sender:   tcpclient.NewClient(tcpclient.Config{Logger: logger, Metrics: m}),
	})

	server := &http.Server{
		Handler:           newServeHandler(registry, executor, m, cfg.Server.MaxBodyBytes, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var tlsEnabled bool
	if cfg.Server.TLS != nil {
		tlsCfg, err := cfg.Server.TLS.ServerTLSConfig()
		if err != nil {
			return err
		}
		server.TLSConfig = tlsCfg
		tlsEnabled = tlsCfg != nil
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}
	logger.Info("Server listening", "addr", listener.Addr().String(), "tls", tlsEnabled)

	errCh := make(chan error, 1)
	go func() {
		if tlsEnabled {
			errCh <- server.ServeTLS(listener, "", "")
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newServeHandler mounts the message API behind otelhttp and request metrics,
// next to the Prometheus endpoint.
func newServeHandler(registry *engine.PipelineRegistry, executor *engine.DAGExecutor, m *metrics.Metrics, maxBody int64, logger *slog.Logger) http.Handler {
	api := engine.NewMessageHandler(engine.MessageHandlerConfig{
		Registry:     registry,
		Executor:     executor,
		Logger:       logger,
		MaxBodyBytes: maxBody,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("/", otelhttp.NewHandler(api, "polis.tcp"))
	return m.Middleware(mux)
}

// applyPipelineSet installs a loaded set. A set the registry rejects leaves
// the previous pipelines active.
func applyPipelineSet(registry *engine.PipelineRegistry, set config.PipelineSet, m *metrics.Metrics, logger *slog.Logger) error {
	if err := registry.UpdatePipelines(set.Pipelines); err != nil {
		m.RecordConfigReload("rejected")
		return fmt.Errorf("pipeline generation %d rejected: %w", set.Generation, err)
	}
	ids := make([]string, 0, len(set.Pipelines))
	for _, p := range set.Pipelines {
		ids = append(ids, p.ID)
	}
	logger.Info("Pipelines updated", "generation", set.Generation, "count", len(set.Pipelines), "ids", ids)
	return nil
}

func watchPipelines(updates <-chan config.PipelineSet, registry *engine.PipelineRegistry, m *metrics.Metrics, logger *slog.Logger) {
	for set := range updates {
		if err := applyPipelineSet(registry, set, m, logger); err != nil {
			logger.Error("Failed to update pipelines", "error", err)
		}
	}
}
