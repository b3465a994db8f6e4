// Package codec converts message payloads to wire bytes and response bytes
// back to text for the TEXT, JSON and BINARY formats.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polisai/polis-tcp/pkg/domain"
)

// Format is a declared wire format.
type Format string

const (
	FormatText   Format = "TEXT"
	FormatJSON   Format = "JSON"
	FormatBinary Format = "BINARY"
)

// formatAliases maps accepted spellings to formats. STRING is the historical
// name of TEXT.
var formatAliases = map[string]Format{
	"TEXT":   FormatText,
	"STRING": FormatText,
	"JSON":   FormatJSON,
	"BINARY": FormatBinary,
}

// ParseFormat parses a format name case-insensitively.
func ParseFormat(raw string) (Format, error) {
	format, ok := formatAliases[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidFormat, raw)
	}
	return format, nil
}

// Envelope is an encoded payload ready to be written.
type Envelope struct {
	Format Format
	Raw    []byte
}

// Encode turns a textual payload into wire bytes. JSON is validated but sent
// unchanged; BINARY is decoded from standard base64.
func Encode(format Format, payload string) (Envelope, error) {
	switch format {
	case FormatText:
		return Envelope{Format: format, Raw: []byte(payload)}, nil
	case FormatJSON:
		if !json.Valid([]byte(payload)) {
			return Envelope{}, domain.ErrInvalidJSON
		}
		return Envelope{Format: format, Raw: []byte(payload)}, nil
	case FormatBinary:
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", domain.ErrInvalidBase64, err)
		}
		return Envelope{Format: format, Raw: raw}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", domain.ErrInvalidFormat, format)
	}
}

// Decode turns response bytes into text. TEXT and JSON are returned verbatim;
// BINARY is encoded as standard base64.
func Decode(format Format, raw []byte) (string, error) {
	switch format {
	case FormatText, FormatJSON:
		return string(raw), nil
	case FormatBinary:
		return base64.StdEncoding.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidFormat, format)
	}
}

type responseEnvelope struct {
	Response json.RawMessage `json:"response"`
}

// WrapResponse returns {"response": decoded} as a JSON document. A JSON
// response is embedded as a value; any other format, or JSON text that does
// not parse, is embedded as a string.
func WrapResponse(format Format, decoded string) (string, error) {
	value := json.RawMessage(decoded)
	if format != FormatJSON || !json.Valid(value) {
		quoted, err := json.Marshal(decoded)
		if err != nil {
			return "", fmt.Errorf("marshal response: %w", err)
		}
		value = quoted
	}
	out, err := json.Marshal(responseEnvelope{Response: value})
	if err != nil {
		return "", fmt.Errorf("marshal response envelope: %w", err)
	}
	return string(out), nil
}

// ExtractField returns the value of a top-level field of a JSON object as
// payload text. String values are returned unquoted; any other JSON value is
// returned in its compact encoding.
func ExtractField(data, field string) (string, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &object); err != nil {
		return "", fmt.Errorf("%w: message data is not a JSON object", domain.ErrMissingPayload)
	}
	value, ok := object[field]
	if !ok || string(value) == "null" {
		return "", fmt.Errorf("%w: %q", domain.ErrMissingPayload, field)
	}

	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return text, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return "", fmt.Errorf("compact payload field %q: %w", field, err)
	}
	return compact.String(), nil
}
