package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/memory"
)

// ListGoalsTool handles deliverline_list_goals.
type ListGoalsTool struct {
	engine engine.Engine
}

func NewListGoalsTool(e engine.Engine) *ListGoalsTool {
	return &ListGoalsTool{engine: e}
}

func (t *ListGoalsTool) Definition() mcp.Tool {
	return mcp.NewTool("deliverline_list_goals",
		mcp.WithDescription("List a workspace's goals with progress toward their targets."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace id")),
		mcp.WithString("status", mcp.Description("Filter: active, completed or paused")),
	)
}

func (t *ListGoalsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws := req.GetString("workspace_id", "")
	if ws == "" {
		return mcp.NewToolResultError("'workspace_id' is required"), nil
	}
	goals, err := t.engine.Repo.ListGoals(ctx, ws, req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list goals failed: %v", err)), nil
	}
	if len(goals) == 0 {
		return mcp.NewToolResultText("No goals found."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d goals:\n", len(goals))
	for _, g := range goals {
		fmt.Fprintf(&b, "- %s [%s] %.2f/%.2f %s (%.0f%%): %s\n",
			g.ID, g.Status, g.CurrentValue, g.TargetValue, g.MetricType, g.ProgressPercent(), g.Description)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// QueryInsightsTool handles deliverline_query_insights.
type QueryInsightsTool struct {
	engine engine.Engine
}

func NewQueryInsightsTool(e engine.Engine) *QueryInsightsTool {
	return &QueryInsightsTool{engine: e}
}

func (t *QueryInsightsTool) Definition() mcp.Tool {
	return mcp.NewTool("deliverline_query_insights",
		mcp.WithDescription("Find insights earlier tasks recorded in this workspace, most relevant first."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace id")),
		mcp.WithString("tags", mcp.Description("Comma separated tags; an insight matches if it has any of them")),
		mcp.WithString("type", mcp.Description("discovery, constraint, success_pattern, failure_lesson or optimization")),
		mcp.WithNumber("min_confidence", mcp.Description("Minimum confidence in [0,1]")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
	)
}

func (t *QueryInsightsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := memory.Query{
		WorkspaceID: req.GetString("workspace_id", ""),
		Tags:        csvArg(req, "tags"),
		Type:        req.GetString("type", ""),
		Limit:       intArg(req, "limit", 10),
	}
	if v, ok := floatArg(req, "min_confidence"); ok {
		q.MinConfidence = v
	}
	items, err := t.engine.Memory.Query(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	items = memory.Dedupe(items)
	if len(items) == 0 {
		return mcp.NewToolResultText("No insights found."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d insights:\n\n", len(items))
	for i, in := range items {
		fmt.Fprintf(&b, "[%d] %s (%s, confidence %.2f)\n    %s\n", i+1, in.ID, in.InsightType, in.ConfidenceScore, truncate(in.Content, 300))
		if len(in.RelevanceTags) > 0 {
			fmt.Fprintf(&b, "    tags: %s\n", strings.Join(in.RelevanceTags, ", "))
		}
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// StoreInsightTool handles deliverline_store_insight.
type StoreInsightTool struct {
	engine engine.Engine
}

func NewStoreInsightTool(e engine.Engine) *StoreInsightTool {
	return &StoreInsightTool{engine: e}
}

func (t *StoreInsightTool) Definition() mcp.Tool {
	return mcp.NewTool("deliverline_store_insight",
		mcp.WithDescription("Record something learned so later tasks can reuse it. Insights are append-only."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace id")),
		mcp.WithString("insight_type", mcp.Required(), mcp.Description("discovery, constraint, success_pattern, failure_lesson or optimization")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The insight itself")),
		mcp.WithString("tags", mcp.Description("Comma separated relevance tags")),
		mcp.WithString("task_id", mcp.Description("Task the insight came from, if any")),
		mcp.WithString("agent_role", mcp.Description("Role of the recording agent")),
		mcp.WithNumber("confidence", mcp.Description("Confidence in [0,1] (default 0.7)")),
	)
}

func (t *StoreInsightTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := domain.Insight{
		WorkspaceID:     req.GetString("workspace_id", ""),
		InsightType:     req.GetString("insight_type", ""),
		Content:         req.GetString("content", ""),
		RelevanceTags:   csvArg(req, "tags"),
		AgentRole:       req.GetString("agent_role", ""),
		ConfidenceScore: 0.7,
	}
	if v, ok := floatArg(req, "confidence"); ok {
		in.ConfidenceScore = v
	}
	if id := req.GetString("task_id", ""); id != "" {
		in.TaskID = &id
	}
	if in.WorkspaceID != "" {
		w, err := t.engine.Repo.GetWorkspace(ctx, in.WorkspaceID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workspace %s: %v", in.WorkspaceID, err)), nil
		}
		if w.Status == domain.WorkspaceDeleted {
			return mcp.NewToolResultError(fmt.Sprintf("workspace %s is deleted", w.ID)), nil
		}
	}
	id, err := t.engine.Memory.Store(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("store failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Insight stored: %s", id)), nil
}
