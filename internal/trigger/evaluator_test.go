package trigger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/repo"
	"deliverline/internal/trigger"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	ws           domain.Workspace
	completed    int
	avg          float64
	deliverables int
	last         *time.Time
	goals        []domain.Goal
	calls        int
}

func (m *memStore) GetWorkspace(_ context.Context, id string) (domain.Workspace, error) {
	m.calls++
	if id != m.ws.ID {
		return domain.Workspace{}, repo.ErrNotFound
	}
	return m.ws, nil
}

func (m *memStore) CompletedTaskStats(context.Context, string) (int, float64, error) {
	m.calls++
	return m.completed, m.avg, nil
}

func (m *memStore) CountDeliverables(context.Context, string) (int, error) {
	m.calls++
	return m.deliverables, nil
}

func (m *memStore) LastDeliverableAt(context.Context, string) (*time.Time, error) {
	m.calls++
	return m.last, nil
}

func (m *memStore) ListGoals(context.Context, string) ([]domain.Goal, error) {
	m.calls++
	return m.goals, nil
}

func readyStore() *memStore {
	return &memStore{
		ws:        domain.Workspace{ID: "ws-1", Status: domain.WorkspaceActive},
		completed: 3,
		avg:       0.85,
		goals: []domain.Goal{
			{ID: "g-1", CurrentValue: 10, TargetValue: 10, Status: domain.GoalCompleted},
			{ID: "g-2", CurrentValue: 1, TargetValue: 10, Status: domain.GoalActive},
		},
	}
}

func newEvaluator(s trigger.Store, mutate func(*config.Pipeline)) trigger.Evaluator {
	cfg := config.Default().Pipeline
	if mutate != nil {
		mutate(&cfg)
	}
	return trigger.New(s, cfg, func() time.Time { return t0 }, zerolog.Nop())
}

func TestReadyWhenAllConditionsHold(t *testing.T) {
	ev, err := newEvaluator(readyStore(), nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, ev.Ready)
	assert.Equal(t, trigger.ModeComplete, ev.Mode)
	assert.Empty(t, ev.Reasons)
	assert.Equal(t, []string{"g-1"}, ev.ReadyGoalIDs)
}

func TestMaxDeliverablesShortCircuits(t *testing.T) {
	s := &memStore{
		ws:           domain.Workspace{ID: "ws-1", Status: domain.WorkspaceBootstrapping},
		deliverables: 3,
	}
	ev, err := newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.False(t, ev.Ready)
	assert.Equal(t, []string{trigger.ReasonMaxDeliverablesReached}, ev.Codes())
}

func TestEachConditionReported(t *testing.T) {
	recent := t0.Add(-10 * time.Second)
	s := &memStore{
		ws:           domain.Workspace{ID: "ws-1", Status: domain.WorkspaceBootstrapping},
		completed:    1,
		avg:          0.4,
		deliverables: 1,
		last:         &recent,
		goals:        []domain.Goal{{ID: "g-1", CurrentValue: 5, TargetValue: 10, Status: domain.GoalActive}},
	}
	ev, err := newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.False(t, ev.Ready)
	assert.Empty(t, ev.Mode)
	assert.ElementsMatch(t, []string{
		trigger.ReasonWorkspaceNotActive,
		trigger.ReasonInsufficientCompletedTasks,
		trigger.ReasonCooldown,
		trigger.ReasonGoalsNotReady,
		trigger.ReasonLowBusinessValue,
	}, ev.Codes())
	assert.InDelta(t, 20, ev.CooldownRemaining, 1e-9)
	assert.InDelta(t, 50, ev.BestGoalProgress, 1e-9)
}

func TestCooldownBoundary(t *testing.T) {
	s := readyStore()
	last := t0.Add(-29 * time.Second)
	s.last = &last
	ev, err := newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{trigger.ReasonCooldown}, ev.Codes())

	last = t0.Add(-30 * time.Second)
	ev, err = newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, ev.Ready)
}

func TestImmediateModeCheckedFirst(t *testing.T) {
	s := readyStore()
	s.goals = []domain.Goal{{ID: "g-2", CurrentValue: 7, TargetValue: 10, Status: domain.GoalActive}}

	ev, err := newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{trigger.ReasonGoalsNotReady}, ev.Codes())

	ev, err = newEvaluator(s, func(c *config.Pipeline) { c.ImmediateCreationEnabled = true }).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, ev.Ready)
	assert.Equal(t, trigger.ModeImmediate, ev.Mode)

	// a complete goal still reports immediate mode when immediate creation is enabled
	s.goals = append(s.goals, domain.Goal{ID: "g-3", CurrentValue: 10, TargetValue: 10, Status: domain.GoalCompleted})
	ev, err = newEvaluator(s, func(c *config.Pipeline) { c.ImmediateCreationEnabled = true }).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.ModeImmediate, ev.Mode)
	assert.Equal(t, []string{"g-2", "g-3"}, ev.ReadyGoalIDs)
}

func TestPausedGoalsIgnored(t *testing.T) {
	s := readyStore()
	s.goals = []domain.Goal{{ID: "g-1", CurrentValue: 10, TargetValue: 10, Status: domain.GoalPaused}}
	ev, err := newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{trigger.ReasonGoalsNotReady}, ev.Codes())
}

func TestBusinessValueThreshold(t *testing.T) {
	s := readyStore()
	s.avg = 0.69
	ev, err := newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{trigger.ReasonLowBusinessValue}, ev.Codes())

	s.avg = 0.70
	ev, err = newEvaluator(s, nil).ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.True(t, ev.Ready)
}

func TestUnknownWorkspaceIsAnError(t *testing.T) {
	_, err := newEvaluator(readyStore(), nil).ShouldAggregate(context.Background(), "nope")
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestEvaluationIsReadOnlyAndRepeatable(t *testing.T) {
	s := readyStore()
	e := newEvaluator(s, nil)
	first, err := e.ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	second, err := e.ShouldAggregate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
