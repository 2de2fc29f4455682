package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"deliverline/internal/engine"
	"deliverline/internal/quality"
)

// ReportTaskTool handles deliverline_report_task.
type ReportTaskTool struct {
	engine engine.Engine
}

func NewReportTaskTool(e engine.Engine) *ReportTaskTool {
	return &ReportTaskTool{engine: e}
}

func (t *ReportTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("deliverline_report_task",
		mcp.WithDescription("Report a finished task. The output is quality-gated, counted toward the goal "+
			"and may trigger a deliverable. Reporting the same task_id twice is a no-op."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace the task belongs to")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Stable id of the task")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short task name")),
		mcp.WithString("goal_id", mcp.Description("Goal the task contributes to")),
		mcp.WithString("agent_role", mcp.Description("Role of the reporting agent")),
		mcp.WithString("output", mcp.Description("Task output; markdown sections like 'Key findings' become insights")),
		mcp.WithNumber("quality_score", mcp.Description("Self-assessed quality in [0,1]")),
		mcp.WithNumber("contribution", mcp.Description("Amount added to the goal metric (default 0)")),
		mcp.WithNumber("business_impact", mcp.Description("Business impact in [0,1], raises review priority")),
	)
}

func (t *ReportTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev := engine.TaskCompletedEvent{
		WorkspaceID: req.GetString("workspace_id", ""),
		TaskID:      req.GetString("task_id", ""),
		Name:        req.GetString("name", ""),
		GoalID:      req.GetString("goal_id", ""),
		AgentRole:   req.GetString("agent_role", ""),
		Output:      req.GetString("output", ""),
		ActorID:     "mcp",
	}
	if v, ok := floatArg(req, "quality_score"); ok {
		ev.QualityScore = &v
	}
	if v, ok := floatArg(req, "contribution"); ok {
		ev.Contribution = v
	}
	if v, ok := floatArg(req, "business_impact"); ok {
		ev.BusinessImpact = v
	}
	out, err := t.engine.HandleTaskCompleted(ctx, ev)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatOutcome(out)), nil
}

func formatOutcome(out engine.Outcome) string {
	if out.Duplicate {
		return fmt.Sprintf("Task %s was already reported (decision %s). Nothing changed.", out.Task.ID, out.Task.Decision)
	}
	var b strings.Builder
	a := out.Assessment
	fmt.Fprintf(&b, "Task %s: %s (quality %.2f)\n", out.Task.ID, a.Decision, a.QualityScore)
	fmt.Fprintf(&b, "  %s\n", a.Reasoning)
	for _, s := range a.ImprovementSuggestions {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	if out.CorrectionTask != nil {
		fmt.Fprintf(&b, "Correction task created: %s\n", out.CorrectionTask.ID)
	}
	if p := out.Progress; p != nil {
		fmt.Fprintf(&b, "Goal %s: %.2f -> %.2f of %.2f", p.Goal.ID, p.Previous, p.Goal.CurrentValue, p.Goal.TargetValue)
		if p.Completed {
			b.WriteString(" (completed)")
		}
		b.WriteString("\n")
	}
	if agg := out.Aggregation; agg != nil {
		switch {
		case agg.Deliverable != nil:
			fmt.Fprintf(&b, "Deliverable created: %s %q (%s)\n", agg.Deliverable.ID, agg.Deliverable.Title, agg.Deliverable.Status)
		case agg.Skipped != "":
			fmt.Fprintf(&b, "Deliverable skipped: %s\n", agg.Skipped)
		case !agg.Evaluation.Ready:
			fmt.Fprintf(&b, "No deliverable yet: %s\n", strings.Join(agg.Evaluation.Codes(), ", "))
		}
	}
	if len(out.InsightIDs) > 0 {
		fmt.Fprintf(&b, "Insights stored: %d\n", len(out.InsightIDs))
	}
	return strings.TrimRight(b.String(), "\n")
}

// DiagnoseTool handles deliverline_diagnose.
type DiagnoseTool struct {
	engine engine.Engine
}

func NewDiagnoseTool(e engine.Engine) *DiagnoseTool {
	return &DiagnoseTool{engine: e}
}

func (t *DiagnoseTool) Definition() mcp.Tool {
	return mcp.NewTool("deliverline_diagnose",
		mcp.WithDescription("Explain why a workspace has or has not produced a deliverable. Read only."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace to diagnose")),
	)
}

func (t *DiagnoseTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws := req.GetString("workspace_id", "")
	if ws == "" {
		return mcp.NewToolResultError("'workspace_id' is required"), nil
	}
	if _, err := t.engine.Repo.GetWorkspace(ctx, ws); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workspace %s: %v", ws, err)), nil
	}
	d, err := t.engine.Diagnose(ctx, ws)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagnose failed: %v", err)), nil
	}
	var b strings.Builder
	ev := d.Evaluation
	if ev.Ready {
		fmt.Fprintf(&b, "Workspace %s is ready to aggregate (mode %s).\n", ws, ev.Mode)
	} else {
		fmt.Fprintf(&b, "Workspace %s is not ready:\n", ws)
		for _, r := range ev.Reasons {
			fmt.Fprintf(&b, "  - %s: %s\n", r.Code, r.Detail)
		}
	}
	fmt.Fprintf(&b, "Completed tasks: %d, average quality %.2f, deliverables %d\n", ev.CompletedTasks, ev.AvgQuality, ev.Deliverables)
	fmt.Fprintf(&b, "Breaker %s: %s (%d failures)\n", d.Breaker.Name, d.Breaker.State, d.Breaker.FailureCount)
	if d.CooldownRemaining > 0 {
		fmt.Fprintf(&b, "Cooldown remaining: %.0fs\n", d.CooldownRemaining)
	}
	for _, g := range d.Goals {
		fmt.Fprintf(&b, "Goal %s [%s] %.0f%%: %s\n", g.ID, g.Status, g.ProgressPercent(), g.Description)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// EvaluateQualityTool handles deliverline_evaluate_quality.
type EvaluateQualityTool struct {
	engine engine.Engine
}

func NewEvaluateQualityTool(e engine.Engine) *EvaluateQualityTool {
	return &EvaluateQualityTool{engine: e}
}

func (t *EvaluateQualityTool) Definition() mcp.Tool {
	return mcp.NewTool("deliverline_evaluate_quality",
		mcp.WithDescription("Run the quality gate on a draft without recording anything. "+
			"Returns the decision the pipeline would take."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Draft content to assess")),
		mcp.WithString("title", mcp.Description("Optional title")),
		mcp.WithNumber("score", mcp.Description("Known quality score in [0,1]; omitted means the model grades it")),
		mcp.WithNumber("business_impact", mcp.Description("Business impact in [0,1]")),
	)
}

func (t *EvaluateQualityTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := req.GetString("content", "")
	if strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}
	a := quality.Artifact{
		Kind:    "draft",
		Title:   req.GetString("title", ""),
		Content: content,
	}
	if v, ok := floatArg(req, "score"); ok {
		a.ReportedScore = &v
	}
	if v, ok := floatArg(req, "business_impact"); ok {
		a.BusinessImpact = v
	}
	res := t.engine.EvaluateQuality(ctx, a)
	var b strings.Builder
	fmt.Fprintf(&b, "Decision: %s (quality %.2f)\n%s", res.Decision, res.QualityScore, res.Reasoning)
	if res.ReviewPriority != "" {
		fmt.Fprintf(&b, "\nReview priority: %s", res.ReviewPriority)
	}
	for _, s := range res.ImprovementSuggestions {
		fmt.Fprintf(&b, "\n  - %s", s)
	}
	return mcp.NewToolResultText(b.String()), nil
}
