package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"deliverline/internal/config"
	"deliverline/internal/domain"
)

// Reason codes, one per aggregation condition.
const (
	ReasonWorkspaceNotActive         = "workspace_not_active"
	ReasonInsufficientCompletedTasks = "insufficient_completed_tasks"
	ReasonMaxDeliverablesReached     = "max_deliverables_reached"
	ReasonCooldown                   = "cooldown"
	ReasonGoalsNotReady              = "goals_not_ready"
	ReasonLowBusinessValue           = "low_business_value"
)

// Readiness modes.
const (
	ModeImmediate = "immediate"
	ModeComplete  = "complete"
)

// Store is the read-only view the evaluator needs.
type Store interface {
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	CompletedTaskStats(ctx context.Context, workspaceID string) (count int, avgQuality float64, err error)
	CountDeliverables(ctx context.Context, workspaceID string) (int, error)
	LastDeliverableAt(ctx context.Context, workspaceID string) (*time.Time, error)
	ListGoals(ctx context.Context, workspaceID string) ([]domain.Goal, error)
}

type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Evaluation is the full, explainable result of one readiness check.
type Evaluation struct {
	WorkspaceID       string   `json:"workspace_id"`
	Ready             bool     `json:"ready"`
	Mode              string   `json:"mode,omitempty"`
	Reasons           []Reason `json:"reasons"`
	WorkspaceStatus   string   `json:"workspace_status"`
	CompletedTasks    int      `json:"completed_tasks"`
	Deliverables      int      `json:"deliverables"`
	AvgQuality        float64  `json:"avg_quality"`
	CooldownRemaining float64  `json:"cooldown_remaining_seconds"`
	BestGoalProgress  float64  `json:"best_goal_progress"`
	ReadyGoalIDs      []string `json:"ready_goal_ids,omitempty"`
	EvaluatedAt       string   `json:"evaluated_at" format:"date-time"`
}

// Codes returns the reason codes in evaluation order.
func (e Evaluation) Codes() []string {
	out := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		out = append(out, r.Code)
	}
	return out
}

// Evaluator decides whether a workspace is ready for deliverable aggregation. It only
// reads; callers that act on a positive result must hold the workspace lock across the
// evaluation and the write.
type Evaluator struct {
	Store  Store
	Config config.Pipeline
	Now    func() time.Time
	Logger zerolog.Logger
}

func New(store Store, cfg config.Pipeline, now func() time.Time, logger zerolog.Logger) Evaluator {
	return Evaluator{Store: store, Config: cfg, Now: now, Logger: logger}
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ShouldAggregate evaluates every condition. Negative outcomes are reported as reasons;
// an error means the state could not be read.
func (e Evaluator) ShouldAggregate(ctx context.Context, workspaceID string) (Evaluation, error) {
	now := e.now()
	cfg := e.Config
	ev := Evaluation{WorkspaceID: workspaceID, EvaluatedAt: domain.FormatTime(now)}
	add := func(code, format string, args ...any) {
		ev.Reasons = append(ev.Reasons, Reason{Code: code, Detail: fmt.Sprintf(format, args...)})
	}

	ws, err := e.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return ev, err
	}
	count, err := e.Store.CountDeliverables(ctx, workspaceID)
	if err != nil {
		return ev, err
	}
	ev.WorkspaceStatus = ws.Status
	ev.Deliverables = count
	if count >= cfg.MaxDeliverablesPerWorkspace {
		add(ReasonMaxDeliverablesReached, "%d of %d deliverables exist", count, cfg.MaxDeliverablesPerWorkspace)
		e.log(ev)
		return ev, nil
	}

	if ws.Status != domain.WorkspaceActive {
		add(ReasonWorkspaceNotActive, "workspace status is %s", ws.Status)
	}

	completed, avg, err := e.Store.CompletedTaskStats(ctx, workspaceID)
	if err != nil {
		return ev, err
	}
	ev.CompletedTasks = completed
	ev.AvgQuality = avg
	if completed < cfg.MinCompletedTasks {
		add(ReasonInsufficientCompletedTasks, "%d completed tasks, need %d", completed, cfg.MinCompletedTasks)
	}

	last, err := e.Store.LastDeliverableAt(ctx, workspaceID)
	if err != nil {
		return ev, err
	}
	if last != nil {
		window := time.Duration(cfg.CooldownSeconds) * time.Second
		if elapsed := now.Sub(*last); elapsed < window {
			ev.CooldownRemaining = (window - elapsed).Seconds()
			add(ReasonCooldown, "last deliverable %s ago, cooldown %s", elapsed.Round(time.Second), window)
		}
	}

	goals, err := e.Store.ListGoals(ctx, workspaceID)
	if err != nil {
		return ev, err
	}
	ev.Mode, ev.ReadyGoalIDs, ev.BestGoalProgress = goalReadiness(goals, cfg)
	if ev.Mode == "" {
		if cfg.ImmediateCreationEnabled {
			add(ReasonGoalsNotReady, "best goal progress %.1f%%, need %.1f%% (immediate) or %.1f%%", ev.BestGoalProgress, cfg.ImmediateThreshold, cfg.ReadinessThreshold)
		} else {
			add(ReasonGoalsNotReady, "best goal progress %.1f%%, need %.1f%%", ev.BestGoalProgress, cfg.ReadinessThreshold)
		}
	}

	if completed == 0 || avg < cfg.BusinessValueThreshold {
		add(ReasonLowBusinessValue, "average quality %.2f, need %.2f", avg, cfg.BusinessValueThreshold)
	}

	ev.Ready = len(ev.Reasons) == 0
	if !ev.Ready {
		ev.Mode = ""
	}
	e.log(ev)
	return ev, nil
}

// goalReadiness checks the immediate threshold first when enabled, then the completion
// threshold. Paused goals are ignored.
func goalReadiness(goals []domain.Goal, cfg config.Pipeline) (string, []string, float64) {
	best := 0.0
	var eligible []domain.Goal
	for _, g := range goals {
		if g.Status == domain.GoalPaused {
			continue
		}
		eligible = append(eligible, g)
		if p := g.ProgressPercent(); p > best {
			best = p
		}
	}
	pick := func(threshold float64) []string {
		var ids []string
		for _, g := range eligible {
			if g.ProgressPercent() >= threshold {
				ids = append(ids, g.ID)
			}
		}
		return ids
	}
	if cfg.ImmediateCreationEnabled {
		if ids := pick(cfg.ImmediateThreshold); len(ids) > 0 {
			return ModeImmediate, ids, best
		}
	}
	if ids := pick(cfg.ReadinessThreshold); len(ids) > 0 {
		return ModeComplete, ids, best
	}
	return "", nil, best
}

func (e Evaluator) log(ev Evaluation) {
	e.Logger.Debug().
		Str("workspace_id", ev.WorkspaceID).
		Bool("ready", ev.Ready).
		Str("mode", ev.Mode).
		Strs("reasons", ev.Codes()).
		Int("completed_tasks", ev.CompletedTasks).
		Int("deliverables", ev.Deliverables).
		Float64("avg_quality", ev.AvgQuality).
		Msg("trigger.evaluated")
}
