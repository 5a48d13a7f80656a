// Package mcp exposes stored call reports as Model Context Protocol tools,
// so assistants and review agents can look up calls the same way the
// retrieval API does.
//
// Three tools are registered by [NewServer]:
//   - "search_call_reports": find the newest call id for a room name or id prefix.
//   - "get_call_report": fetch the merged metrics and evaluation document.
//   - "compliance_report": aggregate compliance KPIs over the evaluation ledger.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/report"
)

// Tool names.
const (
	ToolSearch     = "search_call_reports"
	ToolGet        = "get_call_report"
	ToolCompliance = "compliance_report"
)

// Reports is the read side of the report store.
type Reports interface {
	Search(prefix string) (string, error)
	Get(id string) (*report.Document, error)
	Evaluations() ([]*evaluation.Record, error)
}

var _ Reports = (*report.Store)(nil)

type searchArgs struct {
	Prefix string `json:"prefix" jsonschema:"room name or call id prefix"`
}

type getArgs struct {
	CallID string `json:"call_id" jsonschema:"full call id as returned by search_call_reports"`
}

type complianceArgs struct{}

// NewServer returns an MCP server with the report tools registered.
func NewServer(reports Reports, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "callwatch", Version: version}, nil)

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolSearch,
		Description: "Find the most recent stored call whose id starts with the given prefix. Returns found=false while the report is still being written.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, in searchArgs) (*mcpsdk.CallToolResult, any, error) {
		id, err := reports.Search(in.Prefix)
		switch {
		case errors.Is(err, report.ErrNotFound):
			return jsonResult(map[string]any{"found": false})
		case err != nil:
			return nil, nil, err
		}
		return jsonResult(map[string]any{"found": true, "call_id": id})
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolGet,
		Description: "Fetch the metrics and evaluation document of one call by its full id.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, in getArgs) (*mcpsdk.CallToolResult, any, error) {
		doc, err := reports.Get(in.CallID)
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(doc)
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolCompliance,
		Description: "Aggregate medical boundary, disclaimer, escalation and resolution rates over all evaluated calls.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, _ complianceArgs) (*mcpsdk.CallToolResult, any, error) {
		records, err := reports.Evaluations()
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(evaluation.BuildComplianceReport(records))
	})

	return s
}

// Handler serves s over the streamable HTTP transport.
func Handler(s *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s }, nil)
}

func jsonResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}
