package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tcp/pkg/domain"
)

func newTestBuilder() *ContextBuilder {
	b := NewContextBuilder(discardLogger())
	// Keep tests independent of the host trust store.
	b.systemRoots = func() (*x509.CertPool, error) { return x509.NewCertPool(), nil }
	return b
}

func TestContextBuilder_NoMaterial(t *testing.T) {
	ctx := context.Background()
	clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{VerifyServerCertificate: true})
	require.NoError(t, err)

	cfg := clientCtx.Config()
	assert.NotNil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Empty(t, cfg.Certificates)
	assert.Empty(t, cfg.NextProtos)
	assert.False(t, clientCtx.Insecure())
	assert.False(t, clientCtx.HasClientIdentity())
}

func TestContextBuilder_Material(t *testing.T) {
	pki := newTestPKI(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		material     domain.TLSMaterial
		wantErr      error
		wantType     TLSErrorType
		wantIdentity bool
		wantAlg      string
	}{
		{
			name:     "invalid ca",
			material: domain.TLSMaterial{CAPEM: "invalid-ca", VerifyServerCertificate: true},
			wantErr:  domain.ErrInvalidCertificate,
			wantType: ErrorTypeCertificateParsing,
		},
		{
			name: "invalid client certificate",
			material: domain.TLSMaterial{
				ClientCertPEM: "invalid-cert",
				ClientKeyPEM:  string(pki.clientEC.KeyPEM),
			},
			wantErr:  domain.ErrInvalidCertificate,
			wantType: ErrorTypeCertificateParsing,
		},
		{
			name: "invalid key",
			material: domain.TLSMaterial{
				ClientCertPEM: string(pki.clientEC.CertPEM),
				ClientKeyPEM:  "invalid-key",
			},
			wantErr:  domain.ErrInvalidPrivateKey,
			wantType: ErrorTypePrivateKeyParsing,
		},
		{
			name: "key does not match certificate",
			material: domain.TLSMaterial{
				ClientCertPEM: string(pki.clientEC.CertPEM),
				ClientKeyPEM:  string(pki.unrelatedKey.KeyPEM),
			},
			wantErr:  domain.ErrInvalidPrivateKey,
			wantType: ErrorTypeKeyMismatch,
		},
		{
			name: "ec identity",
			material: domain.TLSMaterial{
				CAPEM:         string(pki.ca.CertPEM),
				ClientCertPEM: string(pki.clientEC.CertPEM),
				ClientKeyPEM:  string(pki.clientEC.KeyPEM),
			},
			wantIdentity: true,
			wantAlg:      KeyAlgorithmEC,
		},
		{
			name: "rsa identity",
			material: domain.TLSMaterial{
				ClientCertPEM: string(pki.clientRSA.CertPEM),
				ClientKeyPEM:  string(pki.clientRSA.KeyPEM),
			},
			wantIdentity: true,
			wantAlg:      KeyAlgorithmRSA,
		},
		{
			name:     "certificate without key is ignored",
			material: domain.TLSMaterial{ClientCertPEM: string(pki.clientEC.CertPEM)},
		},
		{
			name:     "key without certificate is ignored",
			material: domain.TLSMaterial{ClientKeyPEM: "invalid-key"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientCtx, err := newTestBuilder().Build(ctx, tt.material)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				var tlsErr *TLSError
				require.ErrorAs(t, err, &tlsErr)
				assert.Equal(t, tt.wantType, tlsErr.Type)
				assert.Nil(t, clientCtx)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantIdentity, clientCtx.HasClientIdentity())
			assert.Equal(t, tt.wantAlg, clientCtx.KeyAlgorithm())
			if tt.wantIdentity {
				require.Len(t, clientCtx.Config().Certificates, 1)
			}
		})
	}
}

func TestContextBuilder_HintsAndIsolation(t *testing.T) {
	clientCtx, err := newTestBuilder().Build(context.Background(), domain.TLSMaterial{
		ServerName:   "db.internal",
		ALPNProtocol: "mqtt",
	})
	require.NoError(t, err)

	cfg := clientCtx.Config()
	assert.Equal(t, "db.internal", cfg.ServerName)
	assert.Equal(t, []string{"mqtt"}, cfg.NextProtos)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.True(t, clientCtx.Insecure())

	cfg.ServerName = "mutated"
	assert.Equal(t, "db.internal", clientCtx.Config().ServerName)
	assert.Equal(t, "db.internal", clientCtx.ConfigFor("10.0.0.1").ServerName)

	noSNI, err := newTestBuilder().Build(context.Background(), domain.TLSMaterial{VerifyServerCertificate: true})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", noSNI.ConfigFor("10.0.0.1").ServerName)
	assert.Empty(t, noSNI.Config().ServerName)
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestClientContext_Handshake(t *testing.T) {
	pki := newTestPKI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("trusted via supplied ca", func(t *testing.T) {
		addr, _ := startTLSServer(t, serverTLSConfig(t, pki.server))
		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{
			CAPEM:                   string(pki.ca.CertPEM),
			VerifyServerCertificate: true,
		})
		require.NoError(t, err)

		conn, err := clientCtx.Handshake(ctx, dialRaw(t, addr), "127.0.0.1")
		require.NoError(t, err)
		assert.True(t, conn.ConnectionState().HandshakeComplete)
	})

	t.Run("unknown authority without ca", func(t *testing.T) {
		addr, _ := startTLSServer(t, serverTLSConfig(t, pki.server))
		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{VerifyServerCertificate: true})
		require.NoError(t, err)

		_, err = clientCtx.Handshake(ctx, dialRaw(t, addr), "127.0.0.1")
		require.Error(t, err)
		var tlsErr *TLSError
		require.ErrorAs(t, err, &tlsErr)
		assert.Equal(t, ErrorTypeUnknownAuthority, tlsErr.Type)
		assert.True(t, IsHandshakeError(err))
	})

	t.Run("insecure trusts self-signed server", func(t *testing.T) {
		addr, _ := startTLSServer(t, serverTLSConfig(t, pki.selfSigned))
		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{VerifyServerCertificate: false})
		require.NoError(t, err)

		_, err = clientCtx.Handshake(ctx, dialRaw(t, addr), "127.0.0.1")
		require.NoError(t, err)
	})

	t.Run("server name mismatch", func(t *testing.T) {
		addr, _ := startTLSServer(t, serverTLSConfig(t, pki.server))
		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{
			CAPEM:                   string(pki.ca.CertPEM),
			ServerName:              "db.internal",
			VerifyServerCertificate: true,
		})
		require.NoError(t, err)

		_, err = clientCtx.Handshake(ctx, dialRaw(t, addr), "127.0.0.1")
		var tlsErr *TLSError
		require.ErrorAs(t, err, &tlsErr)
		assert.Equal(t, ErrorTypeHostnameMismatch, tlsErr.Type)
	})

	t.Run("client identity presented", func(t *testing.T) {
		serverCfg := serverTLSConfig(t, pki.server)
		clientCAs := x509.NewCertPool()
		clientCAs.AddCert(pki.ca.Cert)
		serverCfg.ClientCAs = clientCAs
		serverCfg.ClientAuth = tls.RequireAndVerifyClientCert
		addr, states := startTLSServer(t, serverCfg)

		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{
			CAPEM:                   string(pki.ca.CertPEM),
			ClientCertPEM:           string(pki.clientEC.CertPEM),
			ClientKeyPEM:            string(pki.clientEC.KeyPEM),
			VerifyServerCertificate: true,
		})
		require.NoError(t, err)

		_, err = clientCtx.Handshake(ctx, dialRaw(t, addr), "localhost")
		require.NoError(t, err)

		select {
		case state := <-states:
			require.Len(t, state.PeerCertificates, 1)
			assert.Equal(t, "ec-client", state.PeerCertificates[0].Subject.CommonName)
		case <-time.After(3 * time.Second):
			t.Fatal("server did not complete handshake")
		}
	})

	t.Run("alpn miss is not fatal", func(t *testing.T) {
		addr, _ := startTLSServer(t, serverTLSConfig(t, pki.server))
		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{
			CAPEM:                   string(pki.ca.CertPEM),
			ALPNProtocol:            "mqtt",
			VerifyServerCertificate: true,
		})
		require.NoError(t, err)

		conn, err := clientCtx.Handshake(ctx, dialRaw(t, addr), "localhost")
		require.NoError(t, err)
		assert.Empty(t, conn.ConnectionState().NegotiatedProtocol)
	})

	t.Run("alpn negotiated", func(t *testing.T) {
		serverCfg := serverTLSConfig(t, pki.server)
		serverCfg.NextProtos = []string{"mqtt"}
		addr, _ := startTLSServer(t, serverCfg)

		clientCtx, err := newTestBuilder().Build(ctx, domain.TLSMaterial{
			CAPEM:                   string(pki.ca.CertPEM),
			ALPNProtocol:            "mqtt",
			VerifyServerCertificate: true,
		})
		require.NoError(t, err)

		conn, err := clientCtx.Handshake(ctx, dialRaw(t, addr), "localhost")
		require.NoError(t, err)
		assert.Equal(t, "mqtt", conn.ConnectionState().NegotiatedProtocol)
	})
}

func TestClientContext_HandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// Accept and stay silent so the handshake never completes.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		time.Sleep(2 * time.Second)
	}()

	clientCtx, err := newTestBuilder().Build(context.Background(), domain.TLSMaterial{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = clientCtx.Handshake(ctx, dialRaw(t, ln.Addr().String()), "127.0.0.1")
	var tlsErr *TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, ErrorTypeHandshakeTimeout, tlsErr.Type)
}
