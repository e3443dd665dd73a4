package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/kuitang/specrun/internal/report"
)

// When selects which runs produce an email.
type When string

const (
	OnFailure When = "failure"
	OnAlways  When = "always"
)

// Notifier is a report.Listener that emails the run summary.
type Notifier struct {
	sender Sender
	to     string
	when   When
	// ReportURL, when set, links the full report from the email.
	ReportURL func(runID string) string
}

// NewNotifier emails to according to when. Unknown values behave as OnFailure.
func NewNotifier(sender Sender, to string, when When) *Notifier {
	if when != OnAlways {
		when = OnFailure
	}
	return &Notifier{sender: sender, to: to, when: when}
}

// BeforeRun does nothing.
func (n *Notifier) BeforeRun(context.Context, report.RunDetails) error {
	return nil
}

// AfterRun sends the summary unless the run passed and only failures notify.
func (n *Notifier) AfterRun(ctx context.Context, d report.RunDetails, s report.RunSummary, outcomes []report.Outcome) error {
	if n.when == OnFailure && s.Passed() {
		return nil
	}
	msg, err := n.compose(d, s, outcomes)
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

const emailTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; line-height: 1.6; color: #333; max-width: 720px; margin: 0 auto; padding: 20px;">
    <div style="background: {{.Accent}}; padding: 20px 30px; border-radius: 10px 10px 0 0;">
        <h1 style="color: white; margin: 0; font-size: 22px;">{{.Subject}}</h1>
    </div>
    <div style="background: #ffffff; padding: 30px; border: 1px solid #e0e0e0; border-top: none; border-radius: 0 0 10px 10px;">
        {{.Body}}
        {{if .ReportURL}}<p><a href="{{.ReportURL}}">Open the full report</a></p>{{end}}
        <hr style="border: none; border-top: 1px solid #e0e0e0; margin: 20px 0;">
        <p style="color: #999; font-size: 12px;">{{.Footer}}</p>
    </div>
</body>
</html>`

var emailTmpl = template.Must(template.New("email").Parse(emailTemplate))

func (n *Notifier) compose(d report.RunDetails, s report.RunSummary, outcomes []report.Outcome) (Message, error) {
	verdict, accent := "passed", "#11998e"
	if !s.Passed() {
		verdict, accent = "failed", "#f5576c"
	}
	subject := fmt.Sprintf("[specrun] Run %s %s: %d/%d passed", s.RunID, verdict, s.TotalPassed, s.TotalTests)

	var failures []report.Outcome
	for _, o := range outcomes {
		if o.State == report.StateFailedFinal {
			failures = append(failures, o)
		}
	}
	md := report.RenderMarkdown(s, failures)

	var link string
	if n.ReportURL != nil {
		link = n.ReportURL(s.RunID)
	}
	footer := fmt.Sprintf("%s %s against %s", d.BrowserName, d.Mode, d.BaseURL)

	var buf bytes.Buffer
	err := emailTmpl.Execute(&buf, struct {
		Subject   string
		Accent    template.CSS
		Body      template.HTML
		ReportURL string
		Footer    string
	}{subject, template.CSS(accent), template.HTML(report.MarkdownToHTML(md)), link, footer})
	if err != nil {
		return Message{}, fmt.Errorf("notify: render email: %w", err)
	}

	text := md
	if link != "" {
		text += "\nFull report: " + link + "\n"
	}
	return Message{To: n.to, Subject: subject, HTML: buf.String(), Text: text}, nil
}
