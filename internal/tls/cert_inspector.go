package tls

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"time"
)

// CertificateSummary describes the leaf certificate of a PEM file.
type CertificateSummary struct {
	File               string
	Subject            string
	Issuer             string
	SerialNumber       string
	NotBefore          time.Time
	NotAfter           time.Time
	DNSNames           []string
	IPAddresses        []net.IP
	PublicKeyAlgorithm string
	KeySize            int
	IsCA               bool
	SelfSigned         bool
	ClientAuth         bool
	ServerAuth         bool
	// FingerprintSHA256 is the hex SHA-256 of the DER encoding.
	FingerprintSHA256 string
	// ChainLength counts every CERTIFICATE block in the file.
	ChainLength int
}

// ExpiresIn returns the time left until NotAfter relative to now.
func (s *CertificateSummary) ExpiresIn(now time.Time) time.Duration {
	return s.NotAfter.Sub(now)
}

// InspectCertificateFile reads and summarises a PEM certificate file.
func InspectCertificateFile(certFile string) (*CertificateSummary, error) {
	// #nosec G304 -- Certificate paths are operator supplied
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return InspectCertificatePEM(data, certFile)
}

// InspectCertificatePEM summarises the first certificate in data.
func InspectCertificatePEM(data []byte, filename string) (*CertificateSummary, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, NewCertificateParseError(filename, "not a valid X.509 certificate", err)
			}
			certs = append(certs, cert)
		}
		rest = remaining
	}
	if len(certs) == 0 {
		return nil, NewCertificateParseError(filename, "no CERTIFICATE block found", nil)
	}

	leaf := certs[0]
	fingerprint := sha256.Sum256(leaf.Raw)
	summary := &CertificateSummary{
		File:               filename,
		Subject:            leaf.Subject.String(),
		Issuer:             leaf.Issuer.String(),
		SerialNumber:       leaf.SerialNumber.String(),
		NotBefore:          leaf.NotBefore,
		NotAfter:           leaf.NotAfter,
		DNSNames:           leaf.DNSNames,
		IPAddresses:        leaf.IPAddresses,
		PublicKeyAlgorithm: leaf.PublicKeyAlgorithm.String(),
		KeySize:            keySize(leaf.PublicKey),
		IsCA:               leaf.IsCA,
		SelfSigned:         isSelfSigned(leaf),
		FingerprintSHA256:  hex.EncodeToString(fingerprint[:]),
		ChainLength:        len(certs),
	}
	for _, usage := range leaf.ExtKeyUsage {
		switch usage {
		case x509.ExtKeyUsageClientAuth:
			summary.ClientAuth = true
		case x509.ExtKeyUsageServerAuth:
			summary.ServerAuth = true
		}
	}
	return summary, nil
}

func keySize(publicKey any) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	default:
		return 0
	}
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Subject.String() == cert.Issuer.String() && cert.CheckSignatureFrom(cert) == nil
}
