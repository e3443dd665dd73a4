package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/report"
	"github.com/kuitang/specrun/internal/s3client"
)

func finishedRun(t *testing.T, listeners ...report.Listener) report.RunSummary {
	t.Helper()
	ctx := context.Background()
	r := report.NewReporter(listeners...)
	require.NoError(t, r.OnRunStart(ctx, report.RunDetails{RunID: "run-42", BrowserName: "chromium", Specs: []string{"certs.json"}}))
	require.NoError(t, r.RecordOutcome(report.Outcome{TestID: "certs.json/batch", Spec: "certs.json", Title: "creates batch",
		Status: report.StatusFailed, State: report.StateFailedRetryable, Attempt: 1, Duration: time.Second,
		FailureKind: errs.WaitTimeout, FailureDetail: "wait_timeout: @createBatch"}))
	require.NoError(t, r.RecordOutcome(report.Outcome{TestID: "certs.json/batch", Spec: "certs.json", Title: "creates batch",
		Status: report.StatusPassed, State: report.StatePassed, Attempt: 2, Duration: time.Second}))
	s, err := r.OnRunEnd(ctx)
	require.NoError(t, err)
	return s
}

func TestUploader_PublishesRun(t *testing.T) {
	c := s3client.TestClient(t, "artifacts")
	u := NewUploader(c, "/runs/")
	summary := finishedRun(t, u)

	ctx := context.Background()
	keys, err := c.ListKeys(ctx, "runs/run-42/")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"runs/run-42/report.html", "runs/run-42/report.md", "runs/run-42/summary.json"}, keys)

	raw, err := c.GetObject(ctx, u.Key("run-42", SummaryObject))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, summary.TotalPassed, doc.Summary.TotalPassed)
	assert.Equal(t, 2, doc.Summary.TotalAttempts)
	assert.Len(t, doc.Outcomes, 2)
	assert.Equal(t, "chromium", doc.Details.BrowserName)

	md, err := c.GetObject(ctx, u.Key("run-42", MarkdownObject))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Run run-42 passed")

	html, err := c.GetObject(ctx, u.Key("run-42", HTMLObject))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(html, []byte("<!DOCTYPE html>")))
	assert.Equal(t, c.PublicURL("runs/run-42/report.html"), u.ReportURL("run-42"))
}

func TestUploader_EmptyPrefix(t *testing.T) {
	u := NewUploader(s3client.TestClient(t, "artifacts"), "")
	assert.Equal(t, "run-1/summary.json", u.Key("run-1", SummaryObject))
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, []byte, string) error {
	return errors.New("bucket unreachable")
}
func (failingStore) PublicURL(key string) string { return key }

func TestUploader_FailureIsLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	t.Cleanup(obs.SetOutputForTests(&buf))

	summary := finishedRun(t, NewUploader(failingStore{}, "runs"))
	assert.True(t, summary.Passed())
	assert.Contains(t, buf.String(), "listener_after_run_failed")
	assert.Contains(t, buf.String(), "bucket unreachable")
}
