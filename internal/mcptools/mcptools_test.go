package mcptools

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/migrate"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default(), engine.Options{Logger: zerolog.Nop()})
	ctx := context.Background()
	_, err = e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "ws-1", Name: "Acme outbound"})
	require.NoError(t, err)
	_, err = e.SetWorkspaceStatus(ctx, "ws-1", domain.WorkspaceActive, "tester")
	require.NoError(t, err)
	_, err = e.CreateGoal(ctx, engine.GoalCreateOptions{
		ID: "g-contacts", WorkspaceID: "ws-1", Description: "Collect qualified contacts", MetricType: "contacts", TargetValue: 10,
	})
	require.NoError(t, err)
	return e
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, tool Tool, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := tool.Handle(context.Background(), makeReq(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestToolDefinitions(t *testing.T) {
	e := newTestEngine(t)
	names := map[string]bool{}
	for _, tool := range Tools(e) {
		def := tool.Definition()
		assert.True(t, strings.HasPrefix(def.Name, "deliverline_"), def.Name)
		assert.NotEmpty(t, def.Description)
		names[def.Name] = true
	}
	for _, want := range []string{
		"deliverline_report_task",
		"deliverline_diagnose",
		"deliverline_list_goals",
		"deliverline_query_insights",
		"deliverline_store_insight",
		"deliverline_evaluate_quality",
	} {
		assert.True(t, names[want], want)
	}
	def := NewReportTaskTool(e).Definition()
	assert.ElementsMatch(t, []string{"workspace_id", "task_id", "name"}, def.InputSchema.Required)
	assert.NotNil(t, New(e, "test"))
}

func TestReportTaskDrivesPipeline(t *testing.T) {
	e := newTestEngine(t)
	tool := NewReportTaskTool(e)

	res := call(t, tool, map[string]any{
		"workspace_id": "ws-1", "task_id": "t-1", "goal_id": "g-contacts", "name": "Research SaaS contacts",
		"quality_score": 0.95, "contribution": 8.0,
	})
	assert.False(t, res.IsError, resultText(res))
	text := resultText(res)
	assert.Contains(t, text, "auto_approve")
	assert.Contains(t, text, "No deliverable yet")

	res = call(t, tool, map[string]any{
		"workspace_id": "ws-1", "task_id": "t-2", "goal_id": "g-contacts", "name": "Qualify contact list",
		"quality_score": 0.92, "contribution": 3.0,
	})
	assert.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "(completed)")
	assert.Contains(t, resultText(res), "Deliverable created")

	res = call(t, tool, map[string]any{
		"workspace_id": "ws-1", "task_id": "t-2", "goal_id": "g-contacts", "name": "Qualify contact list",
		"quality_score": 0.92, "contribution": 3.0,
	})
	assert.Contains(t, resultText(res), "already reported")

	res = call(t, tool, map[string]any{"workspace_id": "ws-1", "name": "no id"})
	assert.True(t, res.IsError)
}

func TestDiagnoseAndListGoals(t *testing.T) {
	e := newTestEngine(t)

	res := call(t, NewDiagnoseTool(e), map[string]any{"workspace_id": "ws-1"})
	assert.False(t, res.IsError, resultText(res))
	text := resultText(res)
	assert.Contains(t, text, "not ready")
	assert.Contains(t, text, "insufficient_completed_tasks")
	assert.Contains(t, text, "Breaker ws-1/create_deliverable: closed")

	res = call(t, NewDiagnoseTool(e), map[string]any{"workspace_id": "missing"})
	assert.True(t, res.IsError)

	res = call(t, NewListGoalsTool(e), map[string]any{"workspace_id": "ws-1"})
	assert.Contains(t, resultText(res), "g-contacts [active] 0.00/10.00 contacts")

	res = call(t, NewListGoalsTool(e), map[string]any{"workspace_id": "ws-1", "status": "completed"})
	assert.Equal(t, "No goals found.", resultText(res))
}

func TestStoreAndQueryInsights(t *testing.T) {
	e := newTestEngine(t)
	store := NewStoreInsightTool(e)

	res := call(t, store, map[string]any{
		"workspace_id": "ws-1", "insight_type": "constraint", "content": "EU contacts need consent",
		"tags": "gdpr, contacts", "confidence": 0.9,
	})
	assert.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "Insight stored")

	res = call(t, store, map[string]any{"workspace_id": "ws-1", "insight_type": "rumor", "content": "x"})
	assert.True(t, res.IsError)

	res = call(t, NewQueryInsightsTool(e), map[string]any{"workspace_id": "ws-1", "tags": "gdpr"})
	text := resultText(res)
	assert.Contains(t, text, "Found 1 insights")
	assert.Contains(t, text, "EU contacts need consent")
	assert.Contains(t, text, "tags: contacts, gdpr")

	res = call(t, NewQueryInsightsTool(e), map[string]any{"workspace_id": "ws-1", "type": "discovery"})
	assert.Equal(t, "No insights found.", resultText(res))
}

func TestEvaluateQuality(t *testing.T) {
	e := newTestEngine(t)
	tool := NewEvaluateQualityTool(e)

	res := call(t, tool, map[string]any{"content": "Subject: quick question", "score": 0.75, "business_impact": 0.9})
	text := resultText(res)
	assert.Contains(t, text, "Decision: human_review")
	assert.Contains(t, text, "Review priority: medium")

	res = call(t, tool, map[string]any{"content": ""})
	assert.True(t, res.IsError)
}
