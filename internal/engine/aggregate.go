package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/generation"
	"deliverline/internal/matcher"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
	"deliverline/internal/trigger"
)

// Reasons a ready evaluation produced no deliverable.
const (
	SkipNoTasks          = "no_unaggregated_tasks"
	SkipDuplicate        = "duplicate"
	SkipWorkspaceDeleted = "workspace_deleted"
	SkipMaxDeliverables  = "max_deliverables_reached"
	SkipCircuitOpen      = "circuit_open"
	SkipNoGoals          = "no_goals"
)

// Aggregation is the result of one trigger check and, when ready, one deliverable attempt.
type Aggregation struct {
	Evaluation  trigger.Evaluation  `json:"evaluation"`
	Deliverable *domain.Deliverable `json:"deliverable,omitempty"`
	Match       *matcher.Result     `json:"match,omitempty"`
	Skipped     string              `json:"skipped,omitempty"`
}

// Aggregate evaluates the workspace and creates at most one deliverable. Evaluation, match
// and write run under the workspace lock so concurrent callers cannot both pass the trigger.
func (e Engine) Aggregate(ctx context.Context, workspaceID string) (Aggregation, error) {
	unlock := e.Locks.Lock("ws:" + workspaceID)
	defer unlock()

	ev, err := e.Evaluator().ShouldAggregate(ctx, workspaceID)
	if err != nil {
		return Aggregation{Evaluation: ev}, fmt.Errorf("evaluate %s: %w", workspaceID, err)
	}
	agg := Aggregation{Evaluation: ev}
	if !ev.Ready {
		return agg, nil
	}
	// rejected work is replaced by its correction task and never folded into a deliverable
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
		WorkspaceID:     workspaceID,
		Status:          domain.TaskCompleted,
		ExcludeDecision: string(quality.CourseCorrection),
		Unaggregated:    true,
	})
	if err != nil {
		return agg, err
	}
	if len(tasks) == 0 {
		agg.Skipped = SkipNoTasks
		return agg, nil
	}
	goals, err := e.openGoals(ctx, workspaceID)
	if err != nil {
		return agg, err
	}
	if len(goals) == 0 {
		agg.Skipped = SkipNoGoals
		return agg, nil
	}
	patterns, err := e.Repo.ListPatterns(ctx, workspaceID)
	if err != nil {
		return agg, err
	}

	draft := e.buildDraft(ctx, ev, tasks)
	res, err := e.Matcher.Match(ctx, matcher.Input{Draft: draft.matcherDraft(), Goals: goals, Patterns: patterns})
	if err != nil {
		return agg, fmt.Errorf("match deliverable: %w", err)
	}
	agg.Match = &res

	var goal domain.Goal
	for _, g := range goals {
		if g.ID == res.GoalID {
			goal = g
		}
	}
	d := domain.Deliverable{
		ID:                 uuid.NewString(),
		WorkspaceID:        workspaceID,
		GoalID:             &goal.ID,
		Title:              draft.Title,
		Type:               draft.Type,
		Content:            draft.Content,
		Status:             deliverableStatus(goal, res),
		BusinessValueScore: math.Round(ev.AvgQuality*1000) / 10,
		ReadinessScore:     math.Min(100, goal.ProgressPercent()),
		MatchMethod:        res.Method,
		MatchConfidence:    res.Confidence,
		MatchReasoning:     res.Reasoning,
		CreatedAt:          domain.FormatTime(e.now()),
	}
	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
	}

	var skipped string
	cb := e.Breakers.Get(workspaceID, OpCreateDeliverable)
	err = cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		skipped, err = e.insertDeliverable(ctx, d, taskIDs, ev.Mode)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			agg.Skipped = SkipCircuitOpen
		}
		e.Logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("deliverable.create_failed")
		return agg, err
	}
	if skipped != "" {
		agg.Skipped = skipped
		e.Logger.Info().Str("workspace_id", workspaceID).Str("skipped", skipped).Msg("deliverable.skipped")
		if skipped == SkipWorkspaceDeleted {
			return agg, fmt.Errorf("%w: %s", ErrWorkspaceDeleted, workspaceID)
		}
		return agg, nil
	}
	e.Cooldown.Stamp(workspaceID, e.now())
	e.invalidate(workspaceID)
	agg.Deliverable = &d
	e.Logger.Info().
		Str("workspace_id", workspaceID).
		Str("deliverable_id", d.ID).
		Str("goal_id", goal.ID).
		Str("method", res.Method).
		Str("status", d.Status).
		Int("tasks", len(taskIDs)).
		Msg("deliverable.created")
	return agg, nil
}

// openGoals lists the goals a deliverable may be attributed to. Paused goals are left out.
func (e Engine) openGoals(ctx context.Context, workspaceID string) ([]domain.Goal, error) {
	all, err := e.Repo.ListGoals(ctx, workspaceID, "")
	if err != nil {
		return nil, err
	}
	goals := all[:0]
	for _, g := range all {
		if g.Status != domain.GoalPaused {
			goals = append(goals, g)
		}
	}
	return goals, nil
}

// insertDeliverable is the guarded write. Benign outcomes (tombstone, limit, duplicate)
// return a skip reason and a nil error so they do not count against the breaker.
func (e Engine) insertDeliverable(ctx context.Context, d domain.Deliverable, taskIDs []string, mode string) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	ws, err := e.Repo.GetWorkspaceTx(ctx, tx, d.WorkspaceID)
	if err != nil {
		return "", err
	}
	if ws.Status == domain.WorkspaceDeleted {
		return SkipWorkspaceDeleted, nil
	}
	n, err := e.Repo.CountDeliverables(ctx, tx, d.WorkspaceID)
	if err != nil {
		return "", err
	}
	if n >= e.Config.Pipeline.MaxDeliverablesPerWorkspace {
		return SkipMaxDeliverables, nil
	}
	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return SkipDuplicate, nil
		}
		return "", err
	}
	if err := e.Repo.MarkTasksAggregated(ctx, tx, d.ID, d.CreatedAt, taskIDs); err != nil {
		return "", err
	}
	if d.GoalID != nil {
		if err := e.Repo.RecordPattern(ctx, tx, d.WorkspaceID, d.Type, *d.GoalID, d.CreatedAt); err != nil {
			return "", err
		}
	}
	if err := e.Events.Append(ctx, tx, events.DeliverableCreated, d.WorkspaceID, "deliverable", d.ID, "system", events.Payload{
		"title":            d.Title,
		"type":             d.Type,
		"goal_id":          d.GoalID,
		"status":           d.Status,
		"match_method":     d.MatchMethod,
		"match_confidence": d.MatchConfidence,
		"mode":             mode,
		"task_ids":         taskIDs,
	}); err != nil {
		return "", err
	}
	return "", tx.Commit()
}

func deliverableStatus(goal domain.Goal, res matcher.Result) string {
	switch {
	case res.Method == matcher.MethodLastResort:
		return domain.DeliverableNeedsReview
	case goal.Status == domain.GoalCompleted || res.Confidence >= 50:
		return domain.DeliverableCompleted
	default:
		return domain.DeliverableDraft
	}
}

type draft struct {
	Title   string
	Type    string
	Summary string
	Content map[string]any
}

func (d draft) matcherDraft() matcher.Draft {
	return matcher.Draft{Title: d.Title, Type: d.Type, ContentPreview: d.Summary}
}

// buildDraft assembles the deliverable body from the tasks. The generator may supply title,
// type and summary; any failure falls back to the deterministic draft.
func (e Engine) buildDraft(ctx context.Context, ev trigger.Evaluation, tasks []domain.Task) draft {
	names := make([]string, 0, len(tasks))
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.Name)
		item := map[string]any{"task_id": t.ID, "name": t.Name, "agent_role": t.AgentRole, "output": t.Output}
		if t.QualityScore != nil {
			item["quality_score"] = *t.QualityScore
		}
		items = append(items, item)
	}
	d := draft{
		Title:   draftTitle(names),
		Type:    inferType(strings.Join(names, " ")),
		Summary: fmt.Sprintf("%d completed tasks, average quality %.2f", len(tasks), ev.AvgQuality),
	}
	if gen := e.Generator; gen != nil {
		if out, err := e.generateDraft(ctx, gen, items); err != nil {
			e.Logger.Warn().Err(err).Str("workspace_id", ev.WorkspaceID).Msg("deliverable.draft_fallback")
		} else {
			if t := generation.String(out, "title"); t != "" {
				d.Title = t
			}
			if t := generation.String(out, "type"); t != "" {
				d.Type = t
			}
			if s := generation.String(out, "summary"); s != "" {
				d.Summary = s
			}
		}
	}
	d.Content = map[string]any{
		"summary":         d.Summary,
		"tasks":           items,
		"mode":            ev.Mode,
		"ready_goal_ids":  ev.ReadyGoalIDs,
		"completed_tasks": ev.CompletedTasks,
	}
	return d
}

func (e Engine) generateDraft(ctx context.Context, gen generation.Generator, items []map[string]any) (map[string]any, error) {
	if timeout := e.Config.GenerationTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := gen.Generate(ctx, generation.Request{
		Purpose: "deliverable_draft",
		Prompt: "Assemble these completed tasks into one user-facing deliverable. Reply with JSON: " +
			`{"title": "...", "type": "...", "summary": "..."}`,
		Context: map[string]any{"tasks": items},
	})
	if err != nil {
		return nil, err
	}
	if res.JSON == nil {
		return nil, errors.New("draft response is not a JSON object")
	}
	return res.JSON, nil
}

func draftTitle(names []string) string {
	switch {
	case len(names) == 0:
		return "Deliverable"
	case len(names) <= 3:
		return strings.Join(names, ", ")
	default:
		return fmt.Sprintf("%s and %d more", strings.Join(names[:2], ", "), len(names)-2)
	}
}

var typeKeywords = []struct {
	word, kind string
}{
	{"email", "email_sequence"},
	{"sequence", "email_sequence"},
	{"contact", "contact_list"},
	{"lead", "contact_list"},
	{"list", "contact_list"},
	{"campaign", "campaign_plan"},
	{"outreach", "campaign_plan"},
	{"report", "report"},
	{"analysis", "report"},
}

func inferType(text string) string {
	lower := strings.ToLower(text)
	for _, k := range typeKeywords {
		if strings.Contains(lower, k.word) {
			return k.kind
		}
	}
	return "document"
}
