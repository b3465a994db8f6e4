package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// SecurityDefaults holds the hardening applied to listener TLS configurations.
type SecurityDefaults struct {
	// Cipher suites for TLS 1.2, strongest first. TLS 1.3 suites are fixed by Go.
	CipherSuites     []uint16
	MinTLSVersion    uint16
	CurvePreferences []tls.CurveID
}

// GetSecurityDefaults returns AEAD-only forward-secret suites with a TLS 1.2 floor.
func GetSecurityDefaults() *SecurityDefaults {
	return &SecurityDefaults{
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		MinTLSVersion:    tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
	}
}

// ApplySecureDefaults fills unset fields of config from defaults and raises a
// MinVersion below the floor.
func ApplySecureDefaults(config *tls.Config, defaults *SecurityDefaults) {
	if config == nil || defaults == nil {
		return
	}

	if len(config.CipherSuites) == 0 {
		config.CipherSuites = append([]uint16(nil), defaults.CipherSuites...)
	}
	if len(config.CurvePreferences) == 0 {
		config.CurvePreferences = append([]tls.CurveID(nil), defaults.CurvePreferences...)
	}
	if config.MinVersion < defaults.MinTLSVersion {
		config.MinVersion = defaults.MinTLSVersion
	}
	config.Renegotiation = tls.RenegotiateNever
}

// ValidateCipherSuiteSecurity rejects suites Go itself marks insecure.
func ValidateCipherSuiteSecurity(cipherSuites []uint16) error {
	insecure := make(map[uint16]string)
	for _, suite := range tls.InsecureCipherSuites() {
		insecure[suite.ID] = suite.Name
	}

	var found []string
	for _, id := range cipherSuites {
		if name, ok := insecure[id]; ok {
			found = append(found, name)
		}
	}
	if len(found) > 0 {
		return NewTLSError(ErrorTypeConfiguration, fmt.Sprintf("insecure cipher suites: %s", strings.Join(found, ", "))).
			WithSuggestion("Remove the listed suites or leave cipher suites unset to use the defaults")
	}
	return nil
}
