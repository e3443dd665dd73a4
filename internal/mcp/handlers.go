package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/history"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/report"
)

const maxLimit = 200

// HistoryStore is the read side of the run history. *history.Store satisfies it.
type HistoryStore interface {
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	GetRun(ctx context.Context, runID string) (*history.Run, error)
	FlakyTests(ctx context.Context, limit int) ([]history.Flaky, error)
	TopFailures(ctx context.Context, limit int) ([]history.Failure, error)
}

// Handler implements MCP tool call handling.
type Handler struct {
	history HistoryStore
}

// NewHandler creates a handler over history.
func NewHandler(history HistoryStore) *Handler {
	return &Handler{history: history}
}

func (h *Handler) createToolHandler(name string) func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		result, err := h.HandleToolCall(ctx, name, args)
		return result, nil, err
	}
}

// HandleToolCall routes tool calls to their handlers. Tool failures are
// reported in the result, not as protocol errors.
func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	var (
		value any
		err   error
	)
	switch name {
	case toolRunList:
		value, err = h.handleRunList(ctx, arguments)
	case toolRunGet:
		value, err = h.handleRunGet(ctx, arguments)
	case toolRunReport:
		return h.handleRunReport(ctx, arguments), nil
	case toolFlakyTests:
		value, err = h.handleFlakyTests(ctx, arguments)
	case toolTopFailures:
		value, err = h.handleTopFailures(ctx, arguments)
	default:
		err = errs.New(errs.InvalidArgument, fmt.Sprintf("unknown tool: %s", name))
	}
	if err != nil {
		obs.From(ctx).With("pkg", "mcp").Warn("tool_failed", "tool", name, "error", err)
		return newToolResultError(err), nil
	}
	return newToolResultText(marshalToolJSON(value)), nil
}

type limitArgs struct {
	Limit int `json:"limit,omitempty"`
}

func (a limitArgs) validate() error {
	if a.Limit < 0 || a.Limit > maxLimit {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
	}
	return nil
}

type runArgs struct {
	RunID string `json:"run_id"`
}

func (a runArgs) validate() error {
	if !isASCII(a.RunID) {
		return errs.New(errs.InvalidArgument, "run_id must be a non-empty printable string")
	}
	return nil
}

func (h *Handler) handleRunList(ctx context.Context, args map[string]any) (any, error) {
	var in limitArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	runs, err := h.history.ListRuns(ctx, in.Limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return map[string]any{"runs": runs, "count": len(runs)}, nil
}

func (h *Handler) getRun(ctx context.Context, args map[string]any) (*history.Run, error) {
	var in runArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return h.history.GetRun(ctx, in.RunID)
}

func (h *Handler) handleRunGet(ctx context.Context, args map[string]any) (any, error) {
	return h.getRun(ctx, args)
}

func (h *Handler) handleRunReport(ctx context.Context, args map[string]any) *mcp.CallToolResult {
	run, err := h.getRun(ctx, args)
	if err != nil {
		return newToolResultError(err)
	}
	return newToolResultText(report.RenderMarkdown(run.Summary, run.Outcomes))
}

func (h *Handler) handleFlakyTests(ctx context.Context, args map[string]any) (any, error) {
	var in limitArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	flaky, err := h.history.FlakyTests(ctx, in.Limit)
	if err != nil {
		return nil, err
	}
	if flaky == nil {
		flaky = []history.Flaky{}
	}
	return map[string]any{"tests": flaky}, nil
}

func (h *Handler) handleTopFailures(ctx context.Context, args map[string]any) (any, error) {
	var in limitArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	failures, err := h.history.TopFailures(ctx, in.Limit)
	if err != nil {
		return nil, err
	}
	if failures == nil {
		failures = []history.Failure{}
	}
	return map[string]any{"failures": failures}, nil
}

// decodeToolArgs strictly decodes tool arguments into out.
func decodeToolArgs(args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "arguments are not valid JSON", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid arguments: %v", err), err)
	}
	return nil
}

// toolErrorPayload is the JSON body of a failed tool result.
type toolErrorPayload struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func newToolResultError(err error) *mcp.CallToolResult {
	payload := toolErrorPayload{Code: errs.CodeOf(err), Message: errs.MessageOf(err)}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: marshalToolJSON(payload)},
		},
		IsError: true,
	}
}

func marshalToolJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response","detail":%q}`, err.Error())
	}
	return string(data)
}
