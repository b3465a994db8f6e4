// Package config provides configuration structures and loading logic for the
// TCP request service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig holds configuration for the HTTP message API.
type ServerConfig struct {
	Address      string     `yaml:"address" json:"address"`
	MaxBodyBytes int64      `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLS          *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" json:"sample_ratio"`
	Environment  string  `yaml:"environment" json:"environment"`
}

// PipelineConfig names the pipeline file that is loaded and watched.
type PipelineConfig struct {
	File  string `yaml:"file" json:"file"`
	Watch bool   `yaml:"watch" json:"watch"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8090",
			MaxBodyBytes: 1 << 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-tcp",
			Insecure:    true,
		},
		Pipeline: PipelineConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// decode parses YAML, falling back to JSON.
func decode(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		if jsonErr := json.Unmarshal(data, out); jsonErr != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_TCP_LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("POLIS_TCP_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_TCP_OTLP_INSECURE"); val != "" {
		cfg.Telemetry.Insecure = val == "true"
	}
	if val := os.Getenv("POLIS_TCP_TRACE_SAMPLE_RATIO"); val != "" {
		if ratio, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.SampleRatio = ratio
		}
	}
	if val := os.Getenv("POLIS_TCP_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}
	if val := os.Getenv("POLIS_TCP_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("POLIS_TCP_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("POLIS_TCP_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8090"
	}
	if c.MaxBodyBytes < 0 {
		return NewConfigValidationError("max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be between 0 and 1").
			WithSuggestion("Use 0 or 1 to keep every trace")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
