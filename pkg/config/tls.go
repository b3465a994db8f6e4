package config

import (
	"crypto/tls"
	"fmt"
	"strings"

	itls "github.com/polisai/polis-tcp/internal/tls"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// WithSuggestion appends a remediation hint.
func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// NewConfigMissingError reports a required field that is absent.
func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

// NewConfigValidationError reports a field with an unacceptable value.
func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions for the API listener.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion. Empty means 1.2.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	switch TLSVersion(strings.TrimSpace(version)) {
	case TLSVersion12:
		return TLSVersion12, nil
	case TLSVersion13:
		return TLSVersion13, nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Uint16 returns the crypto/tls constant for v.
func (v TLSVersion) Uint16() uint16 {
	if v == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// TLSConfig represents TLS termination for the HTTP message API.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	// CipherSuites names TLS 1.2 suites as crypto/tls spells them. Empty
	// selects the secure defaults.
	CipherSuites []string `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty"`
}

// Validate checks the listener TLS configuration.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a PEM certificate, e.g. one written by 'polis-tcp certs'")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to the PEM private key matching cert_file")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use 1.2 or 1.3")
	}
	if _, err := parseCipherSuites(c.CipherSuites); err != nil {
		return NewConfigValidationError("cipher_suites", c.CipherSuites, err.Error()).
			WithSuggestion("Use names such as TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, or omit the field")
	}
	return nil
}

// parseCipherSuites maps suite names to their IDs. Insecure suites are
// resolved here and rejected later by the security check.
func parseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ServerTLSConfig loads the key pair and returns a listener configuration.
func (c *TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load listener key pair: %w", err)
	}
	minVersion, _ := ParseTLSVersion(c.MinVersion)
	suites, _ := parseCipherSuites(c.CipherSuites)

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion.Uint16(),
		CipherSuites: suites,
	}
	itls.ApplySecureDefaults(cfg, itls.GetSecurityDefaults())
	if err := itls.ValidateCipherSuiteSecurity(cfg.CipherSuites); err != nil {
		return nil, fmt.Errorf("listener cipher suites: %w", err)
	}
	return cfg, nil
}
