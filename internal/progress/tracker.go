package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
)

var (
	ErrGoalNotFound = fmt.Errorf("goal %w", repo.ErrNotFound)
	ErrInvalidDelta = errors.New("invalid delta")
)

// BusinessContext travels with a delta for logging and insight generation. It never gates.
type BusinessContext struct {
	QualityScore *float64
	Reason       string
}

// Change describes the effect of one update.
type Change struct {
	Goal     domain.Goal `json:"goal"`
	Previous float64     `json:"previous"`
	Delta    float64     `json:"delta"`
	// Completed is true only for the update that first reached the target.
	Completed bool `json:"completed"`
}

// Tracker owns goal progress. Updates to one goal are serialized by a per-goal lock and
// a single transaction; different goals update in parallel.
type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Locks  *resilience.KeyedMutex
	Now    func() time.Time
	Logger zerolog.Logger
}

func New(db *sql.DB, now func() time.Time, logger zerolog.Logger) Tracker {
	if now == nil {
		now = time.Now
	}
	return Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: now},
		Locks:  resilience.NewKeyedMutex(),
		Now:    now,
		Logger: logger,
	}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tracker) lock(goalID string) func() {
	if t.Locks == nil {
		return func() {}
	}
	return t.Locks.Lock("goal:" + goalID)
}

// LockGoal takes the per-goal lock. Callers of ApplyDeltaTx hold it until their
// transaction commits or rolls back.
func (t Tracker) LockGoal(goalID string) func() {
	return t.lock(goalID)
}

func additive(delta float64) (func(domain.Goal) (float64, error), error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, delta)
	}
	return func(g domain.Goal) (float64, error) {
		next := g.CurrentValue + delta
		if next < 0 {
			return 0, fmt.Errorf("%w: %v would make current_value %v negative", ErrInvalidDelta, delta, next)
		}
		if delta < 0 {
			return 0, fmt.Errorf("%w: negative delta %v; use reset to lower progress", ErrInvalidDelta, delta)
		}
		return next, nil
	}, nil
}

// ApplyDelta adds delta to the goal's current value. Deltas must be non-negative; lowering
// progress is only possible through Reset.
func (t Tracker) ApplyDelta(ctx context.Context, goalID string, delta float64, sourceTaskID string, bc BusinessContext) (Change, error) {
	next, err := additive(delta)
	if err != nil {
		return Change{}, err
	}
	return t.update(ctx, goalID, sourceTaskID, bc, next)
}

// ApplyDeltaTx is ApplyDelta inside the caller's transaction, so the progress commits or
// rolls back together with whatever else tx writes. The caller must hold LockGoal and
// should call LogChange once tx has committed.
func (t Tracker) ApplyDeltaTx(ctx context.Context, tx *sql.Tx, goalID string, delta float64, sourceTaskID string, bc BusinessContext) (Change, error) {
	next, err := additive(delta)
	if err != nil {
		return Change{}, err
	}
	return t.updateTx(ctx, tx, goalID, sourceTaskID, bc, next)
}

// Recompute overrides current_value with a freshly computed total. The value may not go down.
func (t Tracker) Recompute(ctx context.Context, goalID string, value float64, sourceTaskID string, bc BusinessContext) (Change, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return Change{}, fmt.Errorf("%w: recomputed value %v", ErrInvalidDelta, value)
	}
	return t.update(ctx, goalID, sourceTaskID, bc, func(g domain.Goal) (float64, error) {
		if value < g.CurrentValue {
			return 0, fmt.Errorf("%w: recomputed value %v below current %v", ErrInvalidDelta, value, g.CurrentValue)
		}
		return value, nil
	})
}

func (t Tracker) update(ctx context.Context, goalID, sourceTaskID string, bc BusinessContext, next func(domain.Goal) (float64, error)) (Change, error) {
	unlock := t.lock(goalID)
	defer unlock()

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, err
	}
	defer tx.Rollback()

	ch, err := t.updateTx(ctx, tx, goalID, sourceTaskID, bc, next)
	if err != nil {
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, err
	}
	t.LogChange(ch, sourceTaskID, bc)
	return ch, nil
}

func (t Tracker) updateTx(ctx context.Context, tx *sql.Tx, goalID, sourceTaskID string, bc BusinessContext, next func(domain.Goal) (float64, error)) (Change, error) {
	g, err := t.Repo.GetGoalTx(ctx, tx, goalID)
	if errors.Is(err, repo.ErrNotFound) {
		return Change{}, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}
	if err != nil {
		return Change{}, err
	}
	value, err := next(g)
	if err != nil {
		return Change{}, err
	}
	ch := Change{Previous: g.CurrentValue, Delta: value - g.CurrentValue}
	now := domain.FormatTime(t.now())
	g.CurrentValue = value
	g.UpdatedAt = now
	if g.Status != domain.GoalCompleted && g.CurrentValue >= g.TargetValue {
		g.Status = domain.GoalCompleted
		if g.CompletedAt == nil {
			g.CompletedAt = &now
		}
		ch.Completed = true
	}
	if err := t.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return Change{}, err
	}
	payload := events.Payload{
		"previous":      ch.Previous,
		"current":       g.CurrentValue,
		"delta":         ch.Delta,
		"target":        g.TargetValue,
		"progress_pct":  g.ProgressPercent(),
		"status":        g.Status,
		"source_task":   sourceTaskID,
		"quality_score": bc.QualityScore,
	}
	if err := t.Events.Append(ctx, tx, events.GoalProgressChanged, g.WorkspaceID, "goal", g.ID, "system", payload); err != nil {
		return Change{}, err
	}
	if ch.Completed {
		if err := t.Events.Append(ctx, tx, events.GoalCompleted, g.WorkspaceID, "goal", g.ID, "system", events.Payload{
			"completed_at": now, "source_task": sourceTaskID,
		}); err != nil {
			return Change{}, err
		}
	}
	ch.Goal = g
	return ch, nil
}

// LogChange records a committed progress change.
func (t Tracker) LogChange(ch Change, sourceTaskID string, bc BusinessContext) {
	g := ch.Goal
	ev := t.Logger.Info().Str("goal_id", g.ID).Str("workspace_id", g.WorkspaceID).
		Float64("previous", ch.Previous).Float64("current", g.CurrentValue).Float64("target", g.TargetValue).
		Str("source_task", sourceTaskID).Bool("completed", ch.Completed)
	if bc.QualityScore != nil {
		ev = ev.Float64("quality_score", *bc.QualityScore)
	}
	ev.Msg("goal.progress.changed")
}

// Reset is the administrative path that zeroes progress and reopens the goal.
func (t Tracker) Reset(ctx context.Context, goalID, actorID string) (domain.Goal, error) {
	unlock := t.lock(goalID)
	defer unlock()

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	g, err := t.Repo.GetGoalTx(ctx, tx, goalID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Goal{}, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}
	if err != nil {
		return domain.Goal{}, err
	}
	previous := g.CurrentValue
	g.CurrentValue = 0
	g.Status = domain.GoalActive
	g.CompletedAt = nil
	g.UpdatedAt = domain.FormatTime(t.now())
	if err := t.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, err
	}
	if err := t.Events.Append(ctx, tx, events.GoalReset, g.WorkspaceID, "goal", g.ID, actorID, events.Payload{"previous": previous}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	t.Logger.Warn().Str("goal_id", g.ID).Float64("previous", previous).Str("actor_id", actorID).Msg("goal.reset")
	return g, nil
}

// SetStatus pauses or resumes a goal. Completed goals stay completed.
func (t Tracker) SetStatus(ctx context.Context, goalID, status, actorID string) (domain.Goal, error) {
	unlock := t.lock(goalID)
	defer unlock()

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	g, err := t.Repo.GetGoalTx(ctx, tx, goalID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Goal{}, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}
	if err != nil {
		return domain.Goal{}, err
	}
	if g.Status == status {
		return g, nil
	}
	if !validTransition(g.Status, status) {
		return domain.Goal{}, fmt.Errorf("invalid goal transition %s -> %s", g.Status, status)
	}
	old := g.Status
	g.Status = status
	g.UpdatedAt = domain.FormatTime(t.now())
	if err := t.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, err
	}
	if err := t.Events.Append(ctx, tx, events.GoalStatusChanged, g.WorkspaceID, "goal", g.ID, actorID, events.Payload{"from": old, "to": status}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

func validTransition(from, to string) bool {
	switch from {
	case domain.GoalActive:
		return to == domain.GoalPaused
	case domain.GoalPaused:
		return to == domain.GoalActive
	default:
		return false
	}
}
