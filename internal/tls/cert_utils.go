package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// KeyType selects the key algorithm of a generated certificate.
type KeyType string

const (
	KeyTypeRSA   KeyType = "rsa"
	KeyTypeECDSA KeyType = "ecdsa"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	KeyType      KeyType
	KeySize      int
	SerialNumber *big.Int
	ParentCert   *x509.Certificate
	ParentKey    crypto.Signer
}

// GeneratedCertificate holds PEM output plus the parsed forms needed to sign
// further certificates.
type GeneratedCertificate struct {
	CertPEM []byte
	KeyPEM  []byte
	Cert    *x509.Certificate
	Key     crypto.Signer
}

// GenerateCertificate generates a certificate, self-signed unless a parent is given.
func GenerateCertificate(opts CertificateGenerationOptions) (*GeneratedCertificate, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.KeyType == "" {
		opts.KeyType = KeyTypeRSA
	}
	if opts.KeySize == 0 {
		opts.KeySize = 2048
	}
	if opts.SerialNumber == nil {
		opts.SerialNumber = big.NewInt(time.Now().UnixNano())
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	var privateKey crypto.Signer
	var err error
	switch opts.KeyType {
	case KeyTypeRSA:
		privateKey, err = rsa.GenerateKey(rand.Reader, opts.KeySize)
	case KeyTypeECDSA:
		privateKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %q", opts.KeyType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if opts.KeyType == KeyTypeRSA {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 && !opts.IsCA {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	} else if opts.IsClientCert {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parentCert := &template
	parentKey := privateKey
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parentCert = opts.ParentCert
		parentKey = opts.ParentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, privateKey.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	privateKeyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &GeneratedCertificate{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: certDER}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyDER}),
		Cert:    cert,
		Key:     privateKey,
	}, nil
}

// GenerateSelfSignedCertificate generates a certificate and PKCS#8 key in PEM form
func GenerateSelfSignedCertificate(opts CertificateGenerationOptions) (certPEM, keyPEM []byte, err error) {
	generated, err := GenerateCertificate(opts)
	if err != nil {
		return nil, nil, err
	}
	return generated.CertPEM, generated.KeyPEM, nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil { //nolint:gosec // certificates are public
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// TestCertificateSet names the files written by GenerateTestCertificates.
type TestCertificateSet struct {
	CAFile         string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string
}

// GenerateTestCertificates writes a CA, an RSA server certificate and an EC
// client certificate under baseDir for development use.
func GenerateTestCertificates(baseDir string) (*TestCertificateSet, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	set := &TestCertificateSet{
		CAFile:         filepath.Join(baseDir, "ca.crt"),
		ServerCertFile: filepath.Join(baseDir, "server.crt"),
		ServerKeyFile:  filepath.Join(baseDir, "server.key"),
		ClientCertFile: filepath.Join(baseDir, "client.crt"),
		ClientKeyFile:  filepath.Join(baseDir, "client.key"),
	}

	ca, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "Polis TCP Test CA",
		Organization: []string{"Polis"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
		SerialNumber: big.NewInt(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := WriteCertificateFiles(ca.CertPEM, ca.KeyPEM, set.CAFile, filepath.Join(baseDir, "ca.key")); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}

	server, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "localhost",
		Organization: []string{"Polis TCP Server"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		SerialNumber: big.NewInt(2),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := WriteCertificateFiles(server.CertPEM, server.KeyPEM, set.ServerCertFile, set.ServerKeyFile); err != nil {
		return nil, fmt.Errorf("failed to write server certificate: %w", err)
	}

	client, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "Polis TCP Client",
		Organization: []string{"Polis TCP Client"},
		KeyType:      KeyTypeECDSA,
		SerialNumber: big.NewInt(3),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
		IsClientCert: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate client certificate: %w", err)
	}
	if err := WriteCertificateFiles(client.CertPEM, client.KeyPEM, set.ClientCertFile, set.ClientKeyFile); err != nil {
		return nil, fmt.Errorf("failed to write client certificate: %w", err)
	}

	return set, nil
}
