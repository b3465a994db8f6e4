package handlers

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itls "github.com/polisai/polis-tcp/internal/tls"
	"github.com/polisai/polis-tcp/pkg/codec"
	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/engine/runtime"
	"github.com/polisai/polis-tcp/pkg/policy"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSender echoes payloads back without touching the network.
type recordingSender struct {
	mu       sync.Mutex
	requests []tcpclient.Request
	reply    []byte
	err      error
}

func (s *recordingSender) Send(_ context.Context, req tcpclient.Request) (*tcpclient.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	raw := req.Payload
	if s.reply != nil {
		raw = s.reply
	}
	return &tcpclient.Response{Raw: append([]byte(nil), raw...)}, nil
}

func (s *recordingSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func tcpNode(config map[string]interface{}) *domain.PipelineNode {
	return &domain.PipelineNode{ID: "tcp", Type: "tcp.request", Config: config}
}

func tcpMessage(data string, metadata map[string]string) *domain.Message {
	md := map[string]string{"tcpHost": "localhost", "tcpPort": "7000", "tcpTls": "false"}
	for k, v := range metadata {
		md[k] = v
	}
	return domain.NewMessage("POST_TELEMETRY_REQUEST", "device-1", md, data)
}

func TestTCPRequestHandler_TextEcho(t *testing.T) {
	sender := &recordingSender{}
	handler := NewTCPRequestHandler(testLogger(), sender)

	msg := tcpMessage("string", nil)
	result, err := handler.Execute(context.Background(), tcpNode(nil), msg)
	require.NoError(t, err)
	assert.Equal(t, runtime.OutcomeSuccess, result.Outcome)

	out := result.Message
	require.NotNil(t, out)
	assert.JSONEq(t, `{"response":"string"}`, out.Data)
	assert.Equal(t, "string", out.Metadata[ResponseMetadataKey])
	assert.Equal(t, "localhost", out.Metadata["tcpHost"])
	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, "string", msg.Data, "input message must not be mutated")

	require.Equal(t, 1, sender.calls())
	req := sender.requests[0]
	assert.Equal(t, domain.ConnectionTarget{Host: "localhost", Port: 7000}, req.Target)
	assert.Equal(t, tcpclient.DefaultConnectTimeout, req.ConnectTimeout)
	assert.Nil(t, req.TLS)
}

func TestTCPRequestHandler_JSONResponse(t *testing.T) {
	sender := &recordingSender{}
	handler := NewTCPRequestHandler(testLogger(), sender)

	result, err := handler.Execute(context.Background(), tcpNode(map[string]interface{}{
		"payloadType":  "JSON",
		"responseType": "JSON",
	}), tcpMessage(`{"key":"value"}`, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":{"key":"value"}}`, result.Message.Data)
}

func TestTCPRequestHandler_Binary(t *testing.T) {
	sender := &recordingSender{}
	handler := NewTCPRequestHandler(testLogger(), sender)

	result, err := handler.Execute(context.Background(), tcpNode(map[string]interface{}{
		"payloadType":  "BINARY",
		"responseType": "BINARY",
	}), tcpMessage("eqcADcABwQAHAQBeWwD/AgA=", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"eqcADcABwQAHAQBeWwD/AgA="}`, result.Message.Data)
	assert.Len(t, sender.requests[0].Payload, 17)
}

func TestTCPRequestHandler_WrapDisabledKeepsData(t *testing.T) {
	sender := &recordingSender{reply: []byte("ack")}
	handler := NewTCPRequestHandler(testLogger(), sender)

	result, err := handler.Execute(context.Background(), tcpNode(map[string]interface{}{
		"wrapResponse": false,
		"payloadKey":   "payload",
	}), tcpMessage(`{"payload":"hello"}`, nil))
	require.NoError(t, err)
	assert.Equal(t, `{"payload":"hello"}`, result.Message.Data)
	assert.Equal(t, "ack", result.Message.Metadata[ResponseMetadataKey])
	assert.Equal(t, []byte("hello"), sender.requests[0].Payload)
}

func TestTCPRequestHandler_TemplatedTarget(t *testing.T) {
	sender := &recordingSender{}
	handler := NewTCPRequestHandler(testLogger(), sender)

	_, err := handler.Execute(context.Background(), tcpNode(map[string]interface{}{
		"hostKey":          "$[target.host]",
		"portKey":          "$[target.port]",
		"connectTimeoutMs": 250,
		"readTimeoutMs":    "750",
	}), tcpMessage(`{"target":{"host":"10.1.2.3","port":9000}}`, nil))
	require.NoError(t, err)

	req := sender.requests[0]
	assert.Equal(t, "10.1.2.3", req.Target.Host)
	assert.Equal(t, 9000, req.Target.Port)
	assert.Equal(t, 250*time.Millisecond, req.ConnectTimeout)
	assert.Equal(t, 750*time.Millisecond, req.ReadTimeout)
}

func TestTCPRequestHandler_ValidationFailuresNeverSend(t *testing.T) {
	tests := []struct {
		name     string
		config   map[string]interface{}
		data     string
		metadata map[string]string
		kind     domain.ErrorKind
		wantErr  error
	}{
		{name: "port not a number", metadata: map[string]string{"tcpPort": "notaport"}, data: "x", kind: domain.KindValidation, wantErr: domain.ErrInvalidPort},
		{name: "port out of range", metadata: map[string]string{"tcpPort": "65536"}, data: "x", kind: domain.KindValidation, wantErr: domain.ErrInvalidPort},
		{name: "missing host", metadata: map[string]string{"tcpHost": ""}, data: "x", kind: domain.KindValidation, wantErr: domain.ErrMissingHost},
		{name: "invalid json", config: map[string]interface{}{"payloadType": "JSON"}, data: "{", kind: domain.KindValidation, wantErr: domain.ErrInvalidJSON},
		{name: "invalid base64", config: map[string]interface{}{"payloadType": "BINARY"}, data: "!!", kind: domain.KindValidation, wantErr: domain.ErrInvalidBase64},
		{name: "missing payload field", config: map[string]interface{}{"payloadKey": "payload"}, data: `{}`, kind: domain.KindValidation, wantErr: domain.ErrMissingPayload},
		{name: "unknown format", config: map[string]interface{}{"payloadType": "XML"}, data: "x", kind: domain.KindValidation, wantErr: domain.ErrInvalidFormat},
		{
			name:     "invalid ca",
			config:   map[string]interface{}{"tlsConfig": map[string]interface{}{"caCertificateKey": "${ca}"}},
			metadata: map[string]string{"tcpTls": "true", "ca": "invalid-ca"},
			data:     "x",
			kind:     domain.KindTLSConfig,
			wantErr:  domain.ErrInvalidCertificate,
		},
		{
			name:     "invalid key",
			config:   map[string]interface{}{"tlsConfig": map[string]interface{}{"certificateKey": "${cert}", "privateKeyKey": "${key}"}},
			metadata: map[string]string{"tcpTls": "TRUE", "cert": "invalid-cert", "key": "invalid-key"},
			data:     "x",
			kind:     domain.KindTLSConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			handler := NewTCPRequestHandler(testLogger(), sender)

			msg := tcpMessage(tt.data, tt.metadata)
			result, err := handler.Execute(context.Background(), tcpNode(tt.config), msg)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, runtime.OutcomeFailure, result.Outcome)
			assert.Same(t, msg, result.Message)
			assert.Equal(t, 0, sender.calls())
		})
	}
}

func TestTCPRequestHandler_TransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome runtime.NodeOutcome
	}{
		{
			name:    "refused",
			err:     domain.NewRequestError(domain.KindConnect, domain.StageConnect, domain.ErrConnectFailed),
			outcome: runtime.OutcomeFailure,
		},
		{
			name:    "read timeout",
			err:     domain.NewRequestError(domain.KindIO, domain.StageRead, domain.ErrReadTimeout),
			outcome: runtime.OutcomeTimeout,
		},
		{
			name:    "no response",
			err:     domain.NewRequestError(domain.KindIO, domain.StageRead, domain.ErrNoResponse),
			outcome: runtime.OutcomeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewTCPRequestHandler(testLogger(), &recordingSender{err: tt.err})
			result, err := handler.Execute(context.Background(), tcpNode(nil), tcpMessage("x", nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.outcome, result.Outcome)
		})
	}
}

const denyHighPorts = `package tcp.target

default allow := false

allow if input.port < 8000
`

func TestTCPRequestHandler_TargetPolicy(t *testing.T) {
	sender := &recordingSender{}
	handler := NewTCPRequestHandler(testLogger(), sender)
	node := tcpNode(map[string]interface{}{"targetPolicy": denyHighPorts})

	_, err := handler.Execute(context.Background(), node, tcpMessage("x", nil))
	require.NoError(t, err)

	result, err := handler.Execute(context.Background(), node, tcpMessage("x", map[string]string{"tcpPort": "9000"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTargetDenied)
	assert.Equal(t, domain.KindPolicy, domain.KindOf(err))
	assert.Equal(t, runtime.OutcomeDeny, result.Outcome)
	assert.Equal(t, 1, sender.calls())
}

func TestTCPRequestHandler_InvalidTargetPolicy(t *testing.T) {
	sender := &recordingSender{}
	handler := NewTCPRequestHandler(testLogger(), sender)

	_, err := handler.Execute(context.Background(), tcpNode(map[string]interface{}{
		"targetPolicy": "package tcp.target\n\nallow if {",
	}), tcpMessage("x", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, 0, sender.calls())
}

func TestParseTCPRequestConfig(t *testing.T) {
	cfg, err := ParseTCPRequestConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTCPRequestConfig(), cfg)
	assert.True(t, cfg.TLS.VerifyServerCertificate)
	assert.True(t, cfg.WrapResponse)

	cfg, err = ParseTCPRequestConfig(map[string]interface{}{
		"payloadType":      "string",
		"responseType":     "binary",
		"targetPolicyMode": "fail-open",
		"tlsConfig": map[string]interface{}{
			"verifyServerCertificate": false,
			"serverNameKey":           "${sni}",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, codec.FormatText, cfg.PayloadType)
	assert.Equal(t, codec.FormatBinary, cfg.ResponseType)
	assert.Equal(t, policy.ModeFailOpen, cfg.TargetPolicyMode)
	assert.False(t, cfg.TLS.VerifyServerCertificate)
	assert.Equal(t, "${sni}", cfg.TLS.ServerNameKey)

	_, err = ParseTCPRequestConfig(map[string]interface{}{"targetPolicyMode": "maybe"})
	require.Error(t, err)
}

// TestTCPRequestHandler_LoopbackTLS drives the real client against a TLS echo
// server using PEM material carried in message metadata.
func TestTCPRequestHandler_LoopbackTLS(t *testing.T) {
	ca, err := itls.GenerateCertificate(itls.CertificateGenerationOptions{
		CommonName:   "Handler CA",
		IsCA:         true,
		KeyType:      itls.KeyTypeECDSA,
		SerialNumber: big.NewInt(1),
	})
	require.NoError(t, err)
	server, err := itls.GenerateCertificate(itls.CertificateGenerationOptions{
		CommonName:   "localhost",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyType:      itls.KeyTypeRSA,
		SerialNumber: big.NewInt(2),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
	})
	require.NoError(t, err)
	client, err := itls.GenerateCertificate(itls.CertificateGenerationOptions{
		CommonName:   "device-1",
		KeyType:      itls.KeyTypeECDSA,
		IsClientCert: true,
		SerialNumber: big.NewInt(3),
		ParentCert:   ca.Cert,
		ParentKey:    ca.Key,
	})
	require.NoError(t, err)

	pair, err := tls.X509KeyPair(server.CertPEM, server.KeyPEM)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 1024)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				_, _ = conn.Write(buf[:n])
			}()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	handler := NewTCPRequestHandler(testLogger(), tcpclient.NewClient(tcpclient.Config{Logger: testLogger()}))
	node := tcpNode(map[string]interface{}{
		"tlsConfig": map[string]interface{}{
			"caCertificateKey": "${caPem}",
			"certificateKey":   "${certPem}",
			"privateKeyKey":    "${keyPem}",
			"serverNameKey":    "${sni}",
		},
	})
	msg := tcpMessage("test over tls", map[string]string{
		"tcpHost": "127.0.0.1",
		"tcpPort": strconv.Itoa(port),
		"tcpTls":  "true",
		"caPem":   string(ca.CertPEM),
		"certPem": string(client.CertPEM),
		"keyPem":  string(client.KeyPEM),
		"sni":     "localhost",
	})

	result, err := handler.Execute(context.Background(), node, msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"test over tls"}`, result.Message.Data)
}

func TestTCPRequestHandler_HandshakeStallTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				<-release
			}()
		}
	}()

	handler := NewTCPRequestHandler(testLogger(), tcpclient.NewClient(tcpclient.Config{Logger: testLogger()}))
	node := tcpNode(map[string]interface{}{
		"connectTimeoutMs": 200,
		"tlsConfig":        map[string]interface{}{"verifyServerCertificate": false},
	})
	msg := tcpMessage("x", map[string]string{
		"tcpHost": "127.0.0.1",
		"tcpPort": strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		"tcpTls":  "true",
	})

	start := time.Now()
	result, err := handler.Execute(context.Background(), node, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
	assert.Equal(t, runtime.OutcomeTimeout, result.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
}
