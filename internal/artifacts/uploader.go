// Package artifacts publishes run reports to object storage.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/report"
)

// Object names written under <prefix>/<run id>/.
const (
	SummaryObject  = "summary.json"
	MarkdownObject = "report.md"
	HTMLObject     = "report.html"
)

// Store is the object storage the uploader writes to. *s3client.Client
// satisfies it.
type Store interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
	PublicURL(key string) string
}

// Document is the content of summary.json.
type Document struct {
	Details  report.RunDetails `json:"details"`
	Summary  report.RunSummary `json:"summary"`
	Outcomes []report.Outcome  `json:"outcomes"`
}

// Uploader is a report.Listener that publishes the finished run.
type Uploader struct {
	store  Store
	prefix string
}

// NewUploader writes under prefix, which may be empty.
func NewUploader(store Store, prefix string) *Uploader {
	return &Uploader{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of name for runID.
func (u *Uploader) Key(runID, name string) string {
	return path.Join(u.prefix, runID, name)
}

// ReportURL returns the link to the HTML report of runID.
func (u *Uploader) ReportURL(runID string) string {
	return u.store.PublicURL(u.Key(runID, HTMLObject))
}

// BeforeRun does nothing; artifacts exist only for finished runs.
func (u *Uploader) BeforeRun(context.Context, report.RunDetails) error {
	return nil
}

// AfterRun uploads summary.json, report.md and report.html.
func (u *Uploader) AfterRun(ctx context.Context, d report.RunDetails, s report.RunSummary, outcomes []report.Outcome) error {
	if outcomes == nil {
		outcomes = []report.Outcome{}
	}
	doc, err := json.MarshalIndent(Document{Details: d, Summary: s, Outcomes: outcomes}, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: failed to encode summary: %w", err)
	}
	page, err := report.RenderHTML(s, outcomes)
	if err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}

	objects := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{SummaryObject, doc, "application/json"},
		{MarkdownObject, []byte(report.RenderMarkdown(s, outcomes)), "text/markdown; charset=utf-8"},
		{HTMLObject, page, "text/html; charset=utf-8"},
	}
	for _, o := range objects {
		if err := u.store.PutObject(ctx, u.Key(s.RunID, o.name), o.body, o.contentType); err != nil {
			return fmt.Errorf("artifacts: %w", err)
		}
	}

	obs.From(ctx).With("pkg", "artifacts").Info("artifacts_uploaded",
		"report_url", u.ReportURL(s.RunID),
		"objects", len(objects),
	)
	return nil
}
