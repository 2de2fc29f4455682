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
	"deliverline/internal/progress"
	"deliverline/internal/repo"
)

type WorkspaceCreateOptions struct {
	ID      string
	Name    string
	ActorID string
}

// CreateWorkspace stores a workspace in bootstrapping state. It cannot aggregate until activated.
func (e Engine) CreateWorkspace(ctx context.Context, opts WorkspaceCreateOptions) (domain.Workspace, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Workspace{}, &ValidationError{Field: "name", Reason: "required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.FormatTime(e.now())
	w := domain.Workspace{ID: id, Name: opts.Name, Status: domain.WorkspaceBootstrapping, CreatedAt: now, UpdatedAt: now}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
		return domain.Workspace{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkspaceCreated, w.ID, "workspace", w.ID, opts.ActorID, events.Payload{
		"name": w.Name, "status": w.Status,
	}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

func validWorkspaceTransition(from, to string) bool {
	switch from {
	case domain.WorkspaceBootstrapping:
		return to == domain.WorkspaceActive || to == domain.WorkspacePaused
	case domain.WorkspaceActive:
		return to == domain.WorkspacePaused
	case domain.WorkspacePaused:
		return to == domain.WorkspaceActive
	}
	return false
}

// SetWorkspaceStatus activates or pauses a workspace. Deletion goes through DeleteWorkspace.
func (e Engine) SetWorkspaceStatus(ctx context.Context, id, status, actorID string) (domain.Workspace, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkspaceTx(ctx, tx, id)
	if err != nil {
		return domain.Workspace{}, err
	}
	if w.Status == domain.WorkspaceDeleted {
		return w, ErrWorkspaceDeleted
	}
	if w.Status == status {
		return w, nil
	}
	if !validWorkspaceTransition(w.Status, status) {
		return w, fmt.Errorf("invalid workspace transition %s -> %s", w.Status, status)
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.UpdateWorkspaceStatus(ctx, tx, id, status, now); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkspaceStatusChanged, id, "workspace", id, actorID, events.Payload{
		"from": w.Status, "to": status,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.invalidate(id)
	w.Status = status
	w.UpdatedAt = now
	return w, nil
}

// DeleteWorkspace tombstones a workspace. In-flight pipeline runs observe the tombstone in
// their write transaction and abort.
func (e Engine) DeleteWorkspace(ctx context.Context, id, actorID string) (domain.Workspace, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkspaceTx(ctx, tx, id)
	if err != nil {
		return domain.Workspace{}, err
	}
	if w.Status == domain.WorkspaceDeleted {
		return w, nil
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.UpdateWorkspaceStatus(ctx, tx, id, domain.WorkspaceDeleted, now); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkspaceDeleted, id, "workspace", id, actorID, events.Payload{"from": w.Status}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.invalidate(id)
	e.Cooldown.Forget(id)
	e.Logger.Info().Str("workspace_id", id).Str("actor_id", actorID).Msg("workspace.deleted")
	w.Status = domain.WorkspaceDeleted
	w.UpdatedAt = now
	w.DeletedAt = &now
	return w, nil
}

// liveWorkspace loads a workspace and rejects tombstoned ones.
func (e Engine) liveWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	w, err := e.Repo.GetWorkspace(ctx, id)
	if err != nil {
		return w, err
	}
	if w.Status == domain.WorkspaceDeleted {
		return w, fmt.Errorf("%w: %s", ErrWorkspaceDeleted, id)
	}
	return w, nil
}

type GoalCreateOptions struct {
	ID          string
	WorkspaceID string
	Description string
	MetricType  string
	TargetValue float64
	Priority    int
	ActorID     string
}

func (e Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Goal{}, &ValidationError{Field: "description", Reason: "required"}
	}
	if math.IsNaN(opts.TargetValue) || math.IsInf(opts.TargetValue, 0) || opts.TargetValue <= 0 {
		return domain.Goal{}, &ValidationError{Field: "target_value", Reason: "must be positive"}
	}
	if _, err := e.liveWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Goal{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.FormatTime(e.now())
	g := domain.Goal{
		ID:          id,
		WorkspaceID: opts.WorkspaceID,
		Description: opts.Description,
		MetricType:  opts.MetricType,
		TargetValue: opts.TargetValue,
		Status:      domain.GoalActive,
		Priority:    opts.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GoalCreated, g.WorkspaceID, "goal", g.ID, opts.ActorID, events.Payload{
		"description": g.Description, "metric_type": g.MetricType, "target_value": g.TargetValue,
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	e.invalidate(g.WorkspaceID)
	return g, nil
}

// ApplyProgress records a manual progress delta and re-evaluates the workspace.
func (e Engine) ApplyProgress(ctx context.Context, goalID string, delta float64, reason string) (progress.Change, *Aggregation, error) {
	g, err := e.Repo.GetGoal(ctx, goalID)
	if errors.Is(err, repo.ErrNotFound) {
		return progress.Change{}, nil, fmt.Errorf("%w: %s", progress.ErrGoalNotFound, goalID)
	}
	if err != nil {
		return progress.Change{}, nil, err
	}
	if _, err := e.liveWorkspace(ctx, g.WorkspaceID); err != nil {
		return progress.Change{}, nil, err
	}
	ch, err := e.Tracker.ApplyDelta(ctx, goalID, delta, "", progress.BusinessContext{Reason: reason})
	if err != nil {
		return ch, nil, err
	}
	e.invalidate(g.WorkspaceID)
	agg, err := e.Aggregate(ctx, g.WorkspaceID)
	if err != nil {
		return ch, nil, err
	}
	return ch, &agg, nil
}

// SetGoalStatus pauses or resumes a goal.
func (e Engine) SetGoalStatus(ctx context.Context, goalID, status, actorID string) (domain.Goal, error) {
	g, err := e.Tracker.SetStatus(ctx, goalID, status, actorID)
	if err != nil {
		return g, err
	}
	e.invalidate(g.WorkspaceID)
	return g, nil
}

// ResetGoal zeroes a goal's progress. It is the only path that lowers current_value.
func (e Engine) ResetGoal(ctx context.Context, goalID, actorID string) (domain.Goal, error) {
	g, err := e.Tracker.Reset(ctx, goalID, actorID)
	if err != nil {
		return g, err
	}
	e.invalidate(g.WorkspaceID)
	return g, nil
}
