package mcp

import "github.com/modelcontextprotocol/go-sdk/mcp"

const (
	toolRunList     = "run_list"
	toolRunGet      = "run_get"
	toolRunReport   = "run_report"
	toolFlakyTests  = "flaky_tests"
	toolTopFailures = "top_failures"
)

func limitProperty(what string) map[string]any {
	return map[string]any{
		"type":        "integer",
		"minimum":     1,
		"maximum":     200,
		"description": "Maximum number of " + what + " to return (default 20)",
	}
}

func runIDProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "The run identifier, as returned by run_list",
	}
}

// ToolDefinitions returns the run history tool definitions.
func ToolDefinitions() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        toolRunList,
			Description: "List recent e2e runs, newest first. Each entry has the run id, browser, mode, base URL, start and end time, and totals (tests, passed, failed, pending, skipped, attempts, duration). Use run_get for the per-attempt log of one run.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": limitProperty("runs"),
				},
			},
		},
		{
			Name:        toolRunGet,
			Description: "Read one run with every recorded attempt in order. Each attempt has test id, title, attempt number, state (passed, failed_retryable, failed_final, pending, skipped), duration and, for failures, the failure kind and detail.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id": runIDProperty(),
				},
				"required": []string{"run_id"},
			},
		},
		{
			Name:        toolRunReport,
			Description: "Render one run as a markdown report with a totals table and an attempts table. Prefer this over run_get when summarizing a run for a person.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id": runIDProperty(),
				},
				"required": []string{"run_id"},
			},
		},
		{
			Name:        toolFlakyTests,
			Description: "List tests that failed and then passed on retry within the same run, ordered by the number of runs where that happened.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": limitProperty("tests"),
				},
			},
		},
		{
			Name:        toolTopFailures,
			Description: "Group failed attempts across all runs by failure fingerprint (the failure detail with numbers and ids masked) and list the most frequent groups with an example detail.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": limitProperty("failure groups"),
				},
			},
		},
	}
}
