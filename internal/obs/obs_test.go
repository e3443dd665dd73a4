package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line=%q", line)
		out = append(out, entry)
	}
	return out
}

func TestFrom_AddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	ctx := WithCorrelation(context.Background(), Correlation{RunID: "run-1", Spec: "events"})
	ctx = WithCorrelation(ctx, Correlation{TestID: "events/login", Attempt: 2})
	From(ctx).Info("attempt_started")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "events", lines[0]["spec"])
	assert.Equal(t, "events/login", lines[0]["test_id"])
	assert.Equal(t, "2", lines[0]["attempt"])
	assert.Equal(t, "attempt_started", lines[0]["msg"])
}

func TestCorrelationFromContext_Empty(t *testing.T) {
	assert.Equal(t, Correlation{}, CorrelationFromContext(context.Background()))
	//nolint:staticcheck // nil context is accepted on purpose
	assert.Equal(t, Correlation{}, CorrelationFromContext(nil))
}

func TestAccessLogMiddleware_SetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	var seen Correlation
	handler := AccessLogMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Request-Id"), "req-"))
	assert.Equal(t, rec.Header().Get("X-Request-Id"), seen.RequestID)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "http_access", lines[0]["msg"])
	assert.EqualValues(t, http.StatusTeapot, lines[0]["status"])
}
