package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-tcp/pkg/codec"
	"github.com/polisai/polis-tcp/pkg/policy"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
)

const (
	defaultHostKey = "${tcpHost}"
	defaultPortKey = "${tcpPort}"
	defaultTLSKey  = "${tcpTls}"
)

// TCPTLSConfig holds the key patterns for per-message TLS material.
type TCPTLSConfig struct {
	CACertificateKey        string
	CertificateKey          string
	PrivateKeyKey           string
	PrivateKeyPassphraseKey string
	ServerNameKey           string
	ALPNProtocolKey         string
	VerifyServerCertificate bool
}

// TCPRequestConfig is the decoded configuration of a tcp.request node.
type TCPRequestConfig struct {
	HostKey          string
	PortKey          string
	TLSKey           string
	PayloadType      codec.Format
	ResponseType     codec.Format
	PayloadKey       string
	WrapResponse     bool
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	TLS              TCPTLSConfig
	TargetPolicy     string
	TargetPolicyMode policy.Mode
}

// DefaultTCPRequestConfig returns the configuration used for absent keys.
func DefaultTCPRequestConfig() TCPRequestConfig {
	return TCPRequestConfig{
		HostKey:          defaultHostKey,
		PortKey:          defaultPortKey,
		TLSKey:           defaultTLSKey,
		PayloadType:      codec.FormatText,
		ResponseType:     codec.FormatText,
		WrapResponse:     true,
		ConnectTimeout:   tcpclient.DefaultConnectTimeout,
		ReadTimeout:      tcpclient.DefaultReadTimeout,
		TLS:              TCPTLSConfig{VerifyServerCertificate: true},
		TargetPolicyMode: policy.ModeFailClosed,
	}
}

// ParseTCPRequestConfig decodes a node config map on top of the defaults.
func ParseTCPRequestConfig(raw map[string]interface{}) (TCPRequestConfig, error) {
	cfg := DefaultTCPRequestConfig()
	if raw == nil {
		return cfg, nil
	}

	if v := stringFromConfig(raw, "hostKey"); v != "" {
		cfg.HostKey = v
	}
	if v := stringFromConfig(raw, "portKey"); v != "" {
		cfg.PortKey = v
	}
	if v := stringFromConfig(raw, "tlsKey"); v != "" {
		cfg.TLSKey = v
	}

	var err error
	if v := stringFromConfig(raw, "payloadType"); v != "" {
		if cfg.PayloadType, err = codec.ParseFormat(v); err != nil {
			return TCPRequestConfig{}, fmt.Errorf("payloadType: %w", err)
		}
	}
	if v := stringFromConfig(raw, "responseType"); v != "" {
		if cfg.ResponseType, err = codec.ParseFormat(v); err != nil {
			return TCPRequestConfig{}, fmt.Errorf("responseType: %w", err)
		}
	}

	cfg.PayloadKey = stringFromConfig(raw, "payloadKey")
	if _, ok := raw["wrapResponse"]; ok {
		cfg.WrapResponse = boolFromConfig(raw, "wrapResponse")
	}

	if d := durationFromKeys(raw, []string{"connectTimeoutMs", "connect_timeout_ms"}); d > 0 {
		cfg.ConnectTimeout = d
	}
	if d := durationFromKeys(raw, []string{"readTimeoutMs", "read_timeout_ms"}); d > 0 {
		cfg.ReadTimeout = d
	}

	if tlsRaw, ok := raw["tlsConfig"].(map[string]interface{}); ok {
		cfg.TLS.CACertificateKey = stringFromConfig(tlsRaw, "caCertificateKey")
		cfg.TLS.CertificateKey = stringFromConfig(tlsRaw, "certificateKey")
		cfg.TLS.PrivateKeyKey = stringFromConfig(tlsRaw, "privateKeyKey")
		cfg.TLS.PrivateKeyPassphraseKey = stringFromConfig(tlsRaw, "privateKeyPassphraseKey")
		cfg.TLS.ServerNameKey = stringFromConfig(tlsRaw, "serverNameKey")
		cfg.TLS.ALPNProtocolKey = stringFromConfig(tlsRaw, "alpnProtocolKey")
		if _, ok := tlsRaw["verifyServerCertificate"]; ok {
			cfg.TLS.VerifyServerCertificate = boolFromConfig(tlsRaw, "verifyServerCertificate")
		}
	}

	cfg.TargetPolicy = stringFromConfig(raw, "targetPolicy")
	if cfg.TargetPolicyMode, err = policy.ParseMode(stringFromConfig(raw, "targetPolicyMode")); err != nil {
		return TCPRequestConfig{}, fmt.Errorf("targetPolicyMode: %w", err)
	}

	return cfg, nil
}

func stringFromConfig(config map[string]interface{}, key string) string {
	if value, ok := config[key]; ok {
		if v, ok := value.(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func boolFromConfig(config map[string]interface{}, key string) bool {
	if value, ok := config[key]; ok {
		switch v := value.(type) {
		case bool:
			return v
		case string:
			return strings.EqualFold(strings.TrimSpace(v), "true")
		case int:
			return v != 0
		case int64:
			return v != 0
		case float64:
			return int(v) != 0
		}
	}
	return false
}

func durationFromKeys(config map[string]interface{}, keys []string) time.Duration {
	for _, key := range keys {
		if value, ok := config[key]; ok {
			if ms, ok := toInt(value); ok && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	return 0
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case string:
		if v == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
		return 0, false
	default:
		return 0, false
	}
}
