package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const triagePromptName = "triage_failures"

func registerPrompts(mcpServer *mcp.Server) {
	for _, prompt := range PromptDefinitions() {
		mcpServer.AddPrompt(prompt, triagePromptHandler)
	}
}

// PromptDefinitions returns the MCP prompt definitions.
func PromptDefinitions() []*mcp.Prompt {
	return []*mcp.Prompt{
		{
			Name:        triagePromptName,
			Title:       "Triage e2e failures",
			Description: "Walk recent runs and separate flaky tests from real regressions.",
		},
	}
}

const triagePromptText = "Start with run_list to find the latest failed run, then read it with run_report. " +
	"Check flaky_tests: a test that also appears there probably needs a sturdier wait, not a code fix. " +
	"Use top_failures to see whether the same failure fingerprint spans many tests, which points at a shared fixture or backend. " +
	"Failures of kind wait_timeout mean an aliased request never resolved; invalid_rule means the test registered a malformed mock."

func triagePromptHandler(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: PromptDefinitions()[0].Description,
		Messages: []*mcp.PromptMessage{
			{
				Role:    mcp.Role("user"),
				Content: &mcp.TextContent{Text: triagePromptText},
			},
		},
	}, nil
}
