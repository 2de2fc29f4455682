package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
	"deliverline/internal/trigger"
)

// Diagnosis answers "why has this workspace not produced a deliverable".
type Diagnosis struct {
	Evaluation trigger.Evaluation `json:"evaluation"`
	Breaker    resilience.Snapshot `json:"breaker"`
	// CooldownRemaining is in seconds and reflects writes made by this process.
	CooldownRemaining float64       `json:"cooldown_remaining_seconds"`
	Goals             []domain.Goal `json:"goals"`
}

// Diagnose evaluates the workspace from fresh reads. It never creates a deliverable.
func (e Engine) Diagnose(ctx context.Context, workspaceID string) (Diagnosis, error) {
	ev, err := e.freshEvaluator().ShouldAggregate(ctx, workspaceID)
	if err != nil {
		return Diagnosis{}, err
	}
	goals, err := e.Repo.ListGoals(ctx, workspaceID, "")
	if err != nil {
		return Diagnosis{}, err
	}
	d := Diagnosis{
		Evaluation:        ev,
		Goals:             goals,
		CooldownRemaining: e.Cooldown.Remaining(workspaceID).Seconds(),
		Breaker: resilience.Snapshot{
			Name:  resilience.BreakerName(workspaceID, OpCreateDeliverable),
			State: resilience.StateClosed,
		},
	}
	if cb, ok := e.Breakers.Lookup(workspaceID, OpCreateDeliverable); ok {
		d.Breaker = cb.Snapshot()
	}
	return d, nil
}

// ReassignDeliverableGoal is the manual override for a deliverable's goal attribution.
// The new attribution also feeds the learned patterns.
func (e Engine) ReassignDeliverableGoal(ctx context.Context, deliverableID, goalID, actorID, reason string) (domain.Deliverable, error) {
	if strings.TrimSpace(goalID) == "" {
		return domain.Deliverable{}, &ValidationError{Field: "goal_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeliverableTx(ctx, tx, deliverableID)
	if err != nil {
		return d, err
	}
	ws, err := e.Repo.GetWorkspaceTx(ctx, tx, d.WorkspaceID)
	if err != nil {
		return d, err
	}
	if ws.Status == domain.WorkspaceDeleted {
		return d, fmt.Errorf("%w: %s", ErrWorkspaceDeleted, ws.ID)
	}
	g, err := e.Repo.GetGoalTx(ctx, tx, goalID)
	if errors.Is(err, repo.ErrNotFound) {
		return d, &ValidationError{Field: "goal_id", Reason: fmt.Sprintf("goal %s not found", goalID)}
	}
	if err != nil {
		return d, err
	}
	if g.WorkspaceID != d.WorkspaceID {
		return d, &ValidationError{Field: "goal_id", Reason: "goal belongs to another workspace"}
	}
	var from string
	if d.GoalID != nil {
		from = *d.GoalID
	}
	if from == goalID {
		return d, nil
	}
	if reason == "" {
		reason = "manual override"
	}
	if err := e.Repo.UpdateDeliverableGoal(ctx, tx, d.ID, &goalID, "manual", reason, 100); err != nil {
		return d, err
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.RecordPattern(ctx, tx, d.WorkspaceID, d.Type, goalID, now); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, events.DeliverableReassigned, d.WorkspaceID, "deliverable", d.ID, actorID, events.Payload{
		"from": from, "to": goalID, "reason": reason,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	e.Logger.Info().Str("deliverable_id", d.ID).Str("from", from).Str("to", goalID).Str("actor_id", actorID).Msg("deliverable.reassigned")
	d.GoalID = &goalID
	d.MatchMethod = "manual"
	d.MatchReasoning = reason
	d.MatchConfidence = 100
	return d, nil
}

// EvaluateQuality runs the gate on an ad-hoc artifact without recording anything.
func (e Engine) EvaluateQuality(ctx context.Context, a quality.Artifact) quality.Assessment {
	return e.Gate.Assess(ctx, a)
}
