package handlers

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/polisai/polis-tcp/pkg/domain"
)

var (
	metadataPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	dataPattern     = regexp.MustCompile(`\$\[([^\]]+)\]`)
)

// ProcessPattern substitutes ${key} with message metadata values and $[path]
// with values from the JSON message data. Dotted paths walk nested objects.
// Unresolvable placeholders become empty strings.
func ProcessPattern(pattern string, msg *domain.Message) string {
	if pattern == "" || msg == nil || !strings.Contains(pattern, "$") {
		return pattern
	}

	result := metadataPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-1])
		return msg.Metadata[key]
	})

	if !dataPattern.MatchString(result) {
		return result
	}
	data := parseMessageData(msg.Data)
	return dataPattern.ReplaceAllStringFunc(result, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-1])
		return lookupDataPath(data, path)
	})
}

func parseMessageData(raw string) map[string]any {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil
	}
	return data
}

func lookupDataPath(data map[string]any, path string) string {
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = object[segment]
		if !ok {
			return ""
		}
	}

	switch v := current.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(v); err != nil {
			return ""
		}
		return strings.TrimSpace(buf.String())
	}
}
