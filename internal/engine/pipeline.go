package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/memory"
	"deliverline/internal/progress"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
)

// TaskCompletedEvent is the pipeline input: one finished unit of agent work.
type TaskCompletedEvent struct {
	TaskID      string   `json:"task_id"`
	WorkspaceID string   `json:"workspace_id"`
	GoalID      string   `json:"goal_id,omitempty"`
	Name        string   `json:"name"`
	AgentRole   string   `json:"agent_role,omitempty"`
	Output      string   `json:"output,omitempty"`
	// QualityScore is the producer's own score in [0,1]; without it the generator grades the output.
	QualityScore *float64 `json:"quality_score,omitempty"`
	// Contribution is the amount added to the goal's current value.
	Contribution   float64 `json:"contribution"`
	BusinessImpact float64 `json:"business_impact,omitempty"`
	ActorID        string  `json:"actor_id,omitempty"`
}

// Outcome reports everything one completion event caused.
type Outcome struct {
	Task           domain.Task        `json:"task"`
	Assessment     quality.Assessment `json:"assessment"`
	Progress       *progress.Change   `json:"progress,omitempty"`
	CorrectionTask *domain.Task       `json:"correction_task,omitempty"`
	Aggregation    *Aggregation       `json:"aggregation,omitempty"`
	InsightIDs     []string           `json:"insight_ids,omitempty"`
	// Duplicate is set when the task was already processed; nothing was changed.
	Duplicate bool `json:"duplicate,omitempty"`
}

func validateEvent(ev TaskCompletedEvent) error {
	switch {
	case strings.TrimSpace(ev.TaskID) == "":
		return &ValidationError{Field: "task_id", Reason: "required"}
	case strings.TrimSpace(ev.WorkspaceID) == "":
		return &ValidationError{Field: "workspace_id", Reason: "required"}
	case math.IsNaN(ev.Contribution) || math.IsInf(ev.Contribution, 0) || ev.Contribution < 0:
		return &ValidationError{Field: "contribution", Reason: "must be a non-negative number"}
	case ev.BusinessImpact < 0 || ev.BusinessImpact > 1:
		return &ValidationError{Field: "business_impact", Reason: "must be within [0,1]"}
	}
	return nil
}

// HandleTaskCompleted runs one event through the pipeline: quality gate, task record and
// hand-offs, goal progress, aggregation trigger, insight capture. Redelivered events for a
// task that already has a decision are acknowledged without side effects.
func (e Engine) HandleTaskCompleted(ctx context.Context, ev TaskCompletedEvent) (Outcome, error) {
	if err := validateEvent(ev); err != nil {
		return Outcome{}, err
	}
	if _, err := e.liveWorkspace(ctx, ev.WorkspaceID); err != nil {
		return Outcome{}, err
	}
	if ev.GoalID != "" {
		g, err := e.Repo.GetGoal(ctx, ev.GoalID)
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, &ValidationError{Field: "goal_id", Reason: fmt.Sprintf("goal %s not found", ev.GoalID)}
		}
		if err != nil {
			return Outcome{}, err
		}
		if g.WorkspaceID != ev.WorkspaceID {
			return Outcome{}, &ValidationError{Field: "goal_id", Reason: "goal belongs to another workspace"}
		}
	}
	existing, err := e.Repo.GetTask(ctx, ev.TaskID)
	switch {
	case err == nil && existing.WorkspaceID != ev.WorkspaceID:
		return Outcome{}, &ValidationError{Field: "task_id", Reason: "task belongs to another workspace"}
	case err == nil && existing.Decision != "":
		e.Logger.Info().Str("task_id", ev.TaskID).Str("workspace_id", ev.WorkspaceID).Msg("task.duplicate")
		return Outcome{Task: existing, Duplicate: true}, nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return Outcome{}, err
	}

	assessment := e.Gate.Assess(ctx, quality.Artifact{
		ID:             ev.TaskID,
		WorkspaceID:    ev.WorkspaceID,
		Kind:           "task",
		Title:          ev.Name,
		Content:        ev.Output,
		ReportedScore:  ev.QualityScore,
		BusinessImpact: ev.BusinessImpact,
	})

	now := domain.FormatTime(e.now())
	task := domain.Task{
		ID:           ev.TaskID,
		WorkspaceID:  ev.WorkspaceID,
		Name:         ev.Name,
		AgentRole:    ev.AgentRole,
		Status:       domain.TaskCompleted,
		Decision:     string(assessment.Decision),
		Output:       ev.Output,
		Contribution: ev.Contribution,
		CreatedAt:    now,
		UpdatedAt:    now,
		CompletedAt:  &now,
	}
	if existing.ID != "" {
		task.CreatedAt = existing.CreatedAt
		task.CorrectionOf = existing.CorrectionOf
	}
	if ev.GoalID != "" {
		goalID := ev.GoalID
		task.GoalID = &goalID
	}
	if !assessment.ScorerFailed {
		score := assessment.QualityScore
		task.QualityScore = &score
	}
	out := Outcome{Task: task, Assessment: assessment}

	if err := e.recordTask(ctx, &out, ev.ActorID); err != nil {
		return out, err
	}
	e.invalidate(ev.WorkspaceID)

	agg, err := e.Aggregate(ctx, ev.WorkspaceID)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, ErrWorkspaceDeleted):
		out.Aggregation = &agg
	case err != nil:
		return out, fmt.Errorf("aggregate: %w", err)
	default:
		out.Aggregation = &agg
	}

	out.InsightIDs = e.captureInsights(ctx, out)
	return out, nil
}

// recordTask stores the task, its decision events, any correction task and the goal progress
// in one transaction. A failure leaves no decision behind, so a redelivered event runs again.
func (e Engine) recordTask(ctx context.Context, out *Outcome, actorID string) error {
	task, a := out.Task, out.Assessment
	counts := task.GoalID != nil && task.Contribution > 0 && a.Decision != quality.CourseCorrection
	if counts {
		unlock := e.Tracker.LockGoal(*task.GoalID)
		defer unlock()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var corrected *domain.Task
	if err := e.Repo.UpsertTask(ctx, tx, task); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCompleted, task.WorkspaceID, "task", task.ID, actorID, events.Payload{
		"name": task.Name, "goal_id": task.GoalID, "contribution": task.Contribution,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.QualityDecided, task.WorkspaceID, "task", task.ID, actorID, events.Payload{
		"quality_score": a.QualityScore,
		"decision":      a.Decision,
		"reasoning":     a.Reasoning,
		"scorer_failed": a.ScorerFailed,
	}); err != nil {
		return err
	}
	switch a.Decision {
	case quality.HumanReview:
		if err := e.Events.Append(ctx, tx, events.HumanReviewRequested, task.WorkspaceID, "task", task.ID, actorID, events.Payload{
			"task_id":         task.ID,
			"name":            task.Name,
			"quality_score":   a.QualityScore,
			"review_priority": a.ReviewPriority,
			"reasoning":       a.Reasoning,
		}); err != nil {
			return err
		}
	case quality.CourseCorrection:
		now := task.UpdatedAt
		correction := domain.Task{
			ID:           uuid.NewString(),
			WorkspaceID:  task.WorkspaceID,
			GoalID:       task.GoalID,
			Name:         "Correct: " + task.Name,
			AgentRole:    task.AgentRole,
			Status:       domain.TaskPending,
			Output:       strings.Join(a.ImprovementSuggestions, "\n"),
			Contribution: task.Contribution,
			CorrectionOf: &task.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.UpsertTask(ctx, tx, correction); err != nil {
			return fmt.Errorf("store correction task: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.CourseCorrectionRequired, task.WorkspaceID, "task", task.ID, actorID, events.Payload{
			"task_id":            task.ID,
			"correction_task_id": correction.ID,
			"quality_score":      a.QualityScore,
			"suggestions":        a.ImprovementSuggestions,
		}); err != nil {
			return err
		}
		corrected = &correction
	}
	bc := progress.BusinessContext{QualityScore: task.QualityScore, Reason: string(a.Decision)}
	var ch progress.Change
	if counts {
		ch, err = e.Tracker.ApplyDeltaTx(ctx, tx, *task.GoalID, task.Contribution, task.ID, bc)
		if err != nil {
			return fmt.Errorf("apply progress: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	out.CorrectionTask = corrected
	if counts {
		out.Progress = &ch
		e.Tracker.LogChange(ch, task.ID, bc)
	}
	return nil
}

// captureInsights stores what the task taught. Failures are logged; insights never block the pipeline.
func (e Engine) captureInsights(ctx context.Context, out Outcome) []string {
	task, a := out.Task, out.Assessment
	tags := []string{task.AgentRole, "task"}
	var pending []domain.Insight
	switch a.Decision {
	case quality.AutoApprove:
		pending = append(pending, domain.Insight{
			InsightType:     domain.InsightSuccessPattern,
			Content:         fmt.Sprintf("%q passed the quality gate at %.2f", task.Name, a.QualityScore),
			ConfidenceScore: a.QualityScore,
		})
	case quality.CourseCorrection:
		lesson := fmt.Sprintf("%q scored %.2f and needs correction", task.Name, a.QualityScore)
		if len(a.ImprovementSuggestions) > 0 {
			lesson += ": " + strings.Join(a.ImprovementSuggestions, "; ")
		}
		pending = append(pending, domain.Insight{
			InsightType:     domain.InsightFailureLesson,
			Content:         lesson,
			ConfidenceScore: math.Max(0.5, 1-a.QualityScore),
		})
	}
	if a.Decision != quality.CourseCorrection {
		for _, l := range memory.ExtractLearnings(task.Output) {
			pending = append(pending, domain.Insight{InsightType: domain.InsightDiscovery, Content: l, ConfidenceScore: 0.6})
		}
	}
	var ids []string
	for _, in := range pending {
		in.WorkspaceID = task.WorkspaceID
		in.TaskID = &task.ID
		in.AgentRole = task.AgentRole
		in.RelevanceTags = tags
		id, err := e.Memory.Store(ctx, in)
		if err != nil {
			e.Logger.Warn().Err(err).Str("task_id", task.ID).Str("insight_type", in.InsightType).Msg("insight.store_failed")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// BatchResult pairs an event with its outcome.
type BatchResult struct {
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
	Error   string  `json:"error,omitempty"`
}

// HandleBatch processes events concurrently, at most limit at a time. Per-workspace
// aggregation stays serialized by the workspace lock. Results keep the input order.
func (e Engine) HandleBatch(ctx context.Context, evs []TaskCompletedEvent, limit int) ([]BatchResult, error) {
	if limit <= 0 {
		limit = 4
	}
	results := make([]BatchResult, len(evs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ev := range evs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := e.HandleTaskCompleted(gctx, ev)
			results[i] = BatchResult{Outcome: out, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
