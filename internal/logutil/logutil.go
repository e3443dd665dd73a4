// Package logutil renders intercepted requests and responses for logs
// without leaking credentials the driven application sends.
package logutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// DefaultBodyLimit caps body previews in exchange logs.
const DefaultBodyLimit = 2048

// IsSensitiveLogField returns true when a key likely contains sensitive data.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	if normalized == "authorization" || normalized == "setcookie" {
		return true
	}
	for _, marker := range []string{"token", "secret", "password", "apikey", "cookie", "auth", "session"} {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// FormatHeadersForLog returns stable, redacted header text for logs.
func FormatHeadersForLog(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		values := headers.Values(k)
		if len(values) == 0 {
			parts = append(parts, fmt.Sprintf("%s=<empty>", strings.ToLower(k)))
			continue
		}
		value := strings.Join(values, ", ")
		if IsSensitiveLogField(k) {
			value = redacted
		}
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), value))
	}
	return strings.Join(parts, "; ")
}

// FormatHeaderMapForLog is FormatHeadersForLog for flat header maps, as used in mock rules.
func FormatHeaderMapForLog(headers map[string]string) string {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return FormatHeadersForLog(h)
}

// RedactJSON redacts sensitive fields from a JSON payload. Payloads that
// are not valid JSON come back unchanged with ok=false.
func RedactJSON(body []byte) (string, bool) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body), false
	}
	redactValue(payload)
	safe, err := json.Marshal(payload)
	if err != nil {
		return string(body), false
	}
	return string(safe), true
}

func redactValue(v any) {
	switch typed := v.(type) {
	case map[string]any:
		for k, child := range typed {
			if IsSensitiveLogField(k) {
				typed[k] = redacted
				continue
			}
			redactValue(child)
		}
	case []any:
		for _, child := range typed {
			redactValue(child)
		}
	}
}

// FormatBodyForLog truncates and redacts body text for safe logging.
// JSON bodies are redacted when the content type says JSON or the payload parses as JSON.
func FormatBodyForLog(contentType string, body []byte, maxBytes int) string {
	if len(body) == 0 {
		return ""
	}
	text := string(body)
	if strings.Contains(strings.ToLower(contentType), "json") || looksLikeJSON(body) {
		text, _ = RedactJSON(body)
	}
	if maxBytes > 0 && len(text) > maxBytes {
		return text[:maxBytes] + " [truncated]"
	}
	return text
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
