// Package mcptools exposes the pipeline to agents over MCP.
//
// Each tool is a struct holding the engine, a Definition that returns the mcp.Tool schema
// and a Handle that runs the call. Domain failures come back as tool errors, never as
// protocol errors.
package mcptools

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"deliverline/internal/engine"
)

// New builds the MCP server with every deliverline tool registered.
func New(e engine.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"deliverline",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Report finished agent work with deliverline_report_task. "+
			"Use deliverline_diagnose to learn why a workspace has not produced a deliverable, "+
			"and deliverline_query_insights before starting work to reuse what earlier tasks learned."),
	)
	for _, t := range Tools(e) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

// Tool is one MCP tool handler.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns the handlers in registration order.
func Tools(e engine.Engine) []Tool {
	return []Tool{
		NewReportTaskTool(e),
		NewDiagnoseTool(e),
		NewListGoalsTool(e),
		NewQueryInsightsTool(e),
		NewStoreInsightTool(e),
		NewEvaluateQualityTool(e),
	}
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func floatArg(req mcp.CallToolRequest, key string) (float64, bool) {
	v, ok := req.GetArguments()[key].(float64)
	return v, ok
}

func csvArg(req mcp.CallToolRequest, key string) []string {
	var out []string
	for _, part := range strings.Split(req.GetString(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
