package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Message is the unit of work flowing through a pipeline.
type Message struct {
	ID         string
	Type       string
	Originator string
	Metadata   map[string]string
	Data       string
}

// NewMessage creates a message with a fresh ID.
func NewMessage(msgType, originator string, metadata map[string]string, data string) *Message {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		Originator: originator,
		Metadata:   md,
		Data:       data,
	}
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	md := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		md[k] = v
	}
	out := *m
	out.Metadata = md
	return &out
}

// Transform returns a copy of the message with extra metadata merged in and
// data replaced.
func (m *Message) Transform(metadata map[string]string, data string) *Message {
	out := m.Copy()
	for k, v := range metadata {
		out.Metadata[k] = v
	}
	out.Data = data
	return out
}

// ConnectionTarget is the destination of one request.
type ConnectionTarget struct {
	Host   string
	Port   int
	UseTLS bool
}

// Address returns host:port, bracketing IPv6 literals.
func (t ConnectionTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Validate checks host presence and port range.
func (t ConnectionTarget) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return ErrMissingHost
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, t.Port)
	}
	return nil
}

// ParsePort parses a base-10 port in [1, 65535].
func ParsePort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, raw)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidPort, port)
	}
	return port, nil
}

// TLSMaterial holds the PEM material and hints for one request. An empty
// string means absent. Nothing here is cached across requests.
type TLSMaterial struct {
	CAPEM                   string
	ClientCertPEM           string
	ClientKeyPEM            string
	KeyPassphrase           string
	ServerName              string
	ALPNProtocol            string
	VerifyServerCertificate bool
}

// HasClientIdentity reports whether both certificate and key were supplied.
func (m TLSMaterial) HasClientIdentity() bool {
	return strings.TrimSpace(m.ClientCertPEM) != "" && strings.TrimSpace(m.ClientKeyPEM) != ""
}
