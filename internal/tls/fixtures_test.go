package tls

import (
	"crypto/tls"
	"io"
	"log/slog"
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type testPKI struct {
	ca           *GeneratedCertificate
	server       *GeneratedCertificate
	clientEC     *GeneratedCertificate
	clientRSA    *GeneratedCertificate
	selfSigned   *GeneratedCertificate
	unrelatedKey *GeneratedCertificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	ca, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "Test CA",
		IsCA:         true,
		KeyType:      KeyTypeECDSA,
		SerialNumber: big.NewInt(1),
	})
	require.NoError(t, err)

	server, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "localhost",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyType:      KeyTypeRSA,
		SerialNumber: big.NewInt(2),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
	})
	require.NoError(t, err)

	clientEC, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "ec-client",
		KeyType:      KeyTypeECDSA,
		IsClientCert: true,
		SerialNumber: big.NewInt(3),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
	})
	require.NoError(t, err)

	clientRSA, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "rsa-client",
		KeyType:      KeyTypeRSA,
		IsClientCert: true,
		SerialNumber: big.NewInt(4),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
	})
	require.NoError(t, err)

	selfSigned, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "self-signed",
		KeyType:    KeyTypeECDSA,
	})
	require.NoError(t, err)

	unrelated, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "unrelated",
		KeyType:    KeyTypeECDSA,
	})
	require.NoError(t, err)

	return &testPKI{
		ca:           ca,
		server:       server,
		clientEC:     clientEC,
		clientRSA:    clientRSA,
		selfSigned:   selfSigned,
		unrelatedKey: unrelated,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serverTLSConfig(t *testing.T, cert *GeneratedCertificate) *tls.Config {
	t.Helper()
	pair, err := tls.X509KeyPair(cert.CertPEM, cert.KeyPEM)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
}

// startTLSServer accepts connections, completes the handshake and reports
// the server side connection state on the returned channel.
func startTLSServer(t *testing.T, cfg *tls.Config) (string, <-chan tls.ConnectionState) {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	states := make(chan tls.ConnectionState, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				tlsConn := c.(*tls.Conn)
				if err := tlsConn.Handshake(); err != nil {
					return
				}
				states <- tlsConn.ConnectionState()
				buf := make([]byte, 1)
				_, _ = tlsConn.Read(buf)
			}(conn)
		}
	}()

	return ln.Addr().String(), states
}
