package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// htmlTemplate is the template for the standalone HTML report
const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            line-height: 1.5;
            color: #1a1a1a;
            max-width: 960px;
            margin: 0 auto;
            padding: 2rem 1rem;
        }
        table { border-collapse: collapse; width: 100%; }
        th, td { border: 1px solid #e0e0e0; padding: 0.4em 0.6em; text-align: left; }
        code { background: #f5f5f5; padding: 0.1em 0.3em; border-radius: 3px; }
    </style>
</head>
<body>
    <article>
        {{.Content}}
    </article>
</body>
</html>`

var reportTemplate = template.Must(template.New("report").Parse(htmlTemplate))

type templateData struct {
	Title   string
	Content template.HTML
}

// RenderMarkdown renders the summary and every attempt as a markdown document.
func RenderMarkdown(s RunSummary, outcomes []Outcome) string {
	var b strings.Builder

	verdict := "passed"
	if !s.Passed() {
		verdict = "failed"
	}
	fmt.Fprintf(&b, "# Run %s %s\n\n", s.RunID, verdict)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started %s, ended %s.\n\n", s.StartedAt.Format(time.RFC3339), s.EndedAt.Format(time.RFC3339))
	}

	b.WriteString("| Tests | Passed | Failed | Pending | Skipped | Attempts | Duration |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %d | %s |\n\n",
		s.TotalTests, s.TotalPassed, s.TotalFailed, s.TotalPending, s.TotalSkipped,
		s.TotalAttempts, s.TotalDuration.Round(time.Millisecond))

	if len(outcomes) == 0 {
		b.WriteString("No tests were recorded.\n")
		return b.String()
	}

	b.WriteString("## Attempts\n\n")
	b.WriteString("| Spec | Test | Attempt | State | Duration | Failure |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, o := range outcomes {
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %s |\n",
			cell(o.Spec), cell(o.Title), o.Attempt, o.State,
			o.Duration.Round(time.Millisecond), cell(o.FailureDetail))
	}
	return b.String()
}

// cell makes free text safe inside a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if s == "" {
		return " "
	}
	return s
}

// MarkdownToHTML renders markdown into a sanitized HTML fragment.
func MarkdownToHTML(md string) []byte {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(md))

	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags})
	content := markdown.Render(doc, renderer)

	// Test titles and failure messages come from test code and servers.
	return bluemonday.UGCPolicy().SanitizeBytes(content)
}

// RenderHTML renders the markdown report into a sanitized standalone HTML page.
func RenderHTML(s RunSummary, outcomes []Outcome) ([]byte, error) {
	var buf bytes.Buffer
	err := reportTemplate.Execute(&buf, templateData{
		Title:   "Run " + s.RunID,
		Content: template.HTML(MarkdownToHTML(RenderMarkdown(s, outcomes))),
	})
	if err != nil {
		return nil, fmt.Errorf("report: render html: %w", err)
	}
	return buf.Bytes(), nil
}
