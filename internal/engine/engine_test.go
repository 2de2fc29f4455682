package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/events"
	"deliverline/internal/generation"
	"deliverline/internal/matcher"
	"deliverline/internal/memory"
	"deliverline/internal/migrate"
	"deliverline/internal/progress"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
	"deliverline/internal/trigger"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Conn   *sql.DB
}

type envOptions struct {
	config    func(*config.Config)
	generator generation.Generator
	target    float64
}

func newTestEnv(t *testing.T, opts envOptions) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	if opts.config != nil {
		opts.config(cfg)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg, engine.Options{Generator: opts.generator, Now: clk.Now, Logger: zerolog.Nop()})
	ctx := context.Background()

	_, err = eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "ws-1", Name: "Acme outbound", ActorID: "tester"})
	require.NoError(t, err)
	_, err = eng.SetWorkspaceStatus(ctx, "ws-1", domain.WorkspaceActive, "tester")
	require.NoError(t, err)
	target := opts.target
	if target == 0 {
		target = 10
	}
	_, err = eng.CreateGoal(ctx, engine.GoalCreateOptions{
		ID:          "g-contacts",
		WorkspaceID: "ws-1",
		Description: "Collect qualified contacts",
		MetricType:  "contacts",
		TargetValue: target,
		ActorID:     "tester",
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, Conn: conn}
}

func score(v float64) *float64 { return &v }

func (env testEnv) complete(t *testing.T, id, name string, q float64, contribution float64) engine.Outcome {
	t.Helper()
	out, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID:       id,
		WorkspaceID:  "ws-1",
		GoalID:       "g-contacts",
		Name:         name,
		AgentRole:    "researcher",
		QualityScore: score(q),
		Contribution: contribution,
	})
	require.NoError(t, err)
	return out
}

func (env testEnv) eventsOfType(t *testing.T, typ string) []domain.Event {
	t.Helper()
	evs, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{WorkspaceID: "ws-1", Type: typ})
	require.NoError(t, err)
	return evs
}

func (env testEnv) deliverables(t *testing.T) []domain.Deliverable {
	t.Helper()
	ds, err := env.Engine.Repo.ListDeliverables(env.Ctx, "ws-1")
	require.NoError(t, err)
	return ds
}

func TestGoalCompletionTriggersDeliverable(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	first := env.complete(t, "t-1", "Research SaaS contacts", 0.95, 8)
	require.NotNil(t, first.Progress)
	assert.Equal(t, 8.0, first.Progress.Goal.CurrentValue)
	assert.False(t, first.Progress.Completed)
	require.NotNil(t, first.Aggregation)
	assert.False(t, first.Aggregation.Evaluation.Ready)
	assert.Contains(t, first.Aggregation.Evaluation.Codes(), trigger.ReasonGoalsNotReady)

	second := env.complete(t, "t-2", "Qualify contact list", 0.92, 3)
	require.NotNil(t, second.Progress)
	assert.Equal(t, 11.0, second.Progress.Goal.CurrentValue)
	assert.True(t, second.Progress.Completed)
	assert.Equal(t, domain.GoalCompleted, second.Progress.Goal.Status)
	require.NotNil(t, second.Progress.Goal.CompletedAt)
	completedAt := *second.Progress.Goal.CompletedAt

	require.NotNil(t, second.Aggregation)
	assert.Equal(t, trigger.ModeComplete, second.Aggregation.Evaluation.Mode)
	d := second.Aggregation.Deliverable
	require.NotNil(t, d)
	assert.Equal(t, "Research SaaS contacts, Qualify contact list", d.Title)
	assert.Equal(t, "contact_list", d.Type)
	require.NotNil(t, d.GoalID)
	assert.Equal(t, "g-contacts", *d.GoalID)
	assert.Equal(t, matcher.MethodKeyword, d.MatchMethod)
	assert.Equal(t, domain.DeliverableCompleted, d.Status)
	assert.InDelta(t, 93.5, d.BusinessValueScore, 1e-9)
	assert.Equal(t, 100.0, d.ReadinessScore)

	for _, id := range []string{"t-1", "t-2"} {
		task, err := env.Engine.Repo.GetTask(env.Ctx, id)
		require.NoError(t, err)
		require.NotNil(t, task.DeliverableID)
		assert.Equal(t, d.ID, *task.DeliverableID)
	}
	patterns, err := env.Engine.Repo.ListPatterns(env.Ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "contact_list", patterns[0].DeliverableType)
	assert.Equal(t, 1, patterns[0].Count)

	// further progress neither re-completes nor moves the completion stamp
	third := env.complete(t, "t-3", "Enrich contact emails", 0.95, 1)
	require.NotNil(t, third.Progress)
	assert.False(t, third.Progress.Completed)
	assert.Equal(t, completedAt, *third.Progress.Goal.CompletedAt)
	assert.Len(t, env.eventsOfType(t, events.GoalCompleted), 1)
	assert.Len(t, env.eventsOfType(t, events.DeliverableCreated), 1)

	insights, err := env.Engine.Memory.Query(env.Ctx, memory.Query{WorkspaceID: "ws-1", Type: domain.InsightSuccessPattern})
	require.NoError(t, err)
	assert.Len(t, insights, 3)
}

func TestConcurrentEventsCreateOneDeliverable(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var batch []engine.TaskCompletedEvent
	for i := 0; i < 12; i++ {
		batch = append(batch, engine.TaskCompletedEvent{
			TaskID:       fmt.Sprintf("t-%02d", i),
			WorkspaceID:  "ws-1",
			GoalID:       "g-contacts",
			Name:         fmt.Sprintf("Find contact batch %d", i),
			QualityScore: score(0.95),
			Contribution: 1,
		})
	}
	results, err := env.Engine.HandleBatch(env.Ctx, batch, len(batch))
	require.NoError(t, err)
	created := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		if r.Outcome.Aggregation != nil && r.Outcome.Aggregation.Deliverable != nil {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, env.deliverables(t), 1)

	g, err := env.Engine.Repo.GetGoal(env.Ctx, "g-contacts")
	require.NoError(t, err)
	assert.Equal(t, 12.0, g.CurrentValue, "no lost progress updates")
	assert.Len(t, env.eventsOfType(t, events.GoalCompleted), 1)
}

func TestConcurrentAggregateCallsCreateOneDeliverable(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 2})
	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	out := env.complete(t, "t-2", "Verify contacts", 0.95, 0)
	assert.Equal(t, []string{trigger.ReasonGoalsNotReady}, out.Aggregation.Evaluation.Codes())

	// progress recorded outside the pipeline; callers must drop cached reads themselves
	_, err := env.Engine.Tracker.ApplyDelta(env.Ctx, "g-contacts", 1, "", progress.BusinessContext{})
	require.NoError(t, err)
	env.Engine.Debounce.Invalidate("ws-1:")

	var wg sync.WaitGroup
	results := make([]engine.Aggregation, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.Aggregate(env.Ctx, "ws-1")
		}(i)
	}
	wg.Wait()
	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Deliverable != nil {
			created++
		} else {
			assert.Contains(t, results[i].Evaluation.Codes(), trigger.ReasonCooldown)
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, env.deliverables(t), 1)
}

func TestMaxDeliverablesPerWorkspace(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 1, config: func(c *config.Config) { c.Pipeline.CooldownSeconds = 0 }})
	var last engine.Outcome
	for i := 0; i < 10; i++ {
		last = env.complete(t, fmt.Sprintf("t-%d", i), fmt.Sprintf("Contact sweep %d", i), 0.95, 1)
	}
	assert.Len(t, env.deliverables(t), 3)
	require.NotNil(t, last.Aggregation)
	assert.Equal(t, []string{trigger.ReasonMaxDeliverablesReached}, last.Aggregation.Evaluation.Codes())
}

func TestCooldownBetweenDeliverables(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 2})
	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	out := env.complete(t, "t-2", "Verify contacts", 0.95, 1)
	require.NotNil(t, out.Aggregation.Deliverable)

	out = env.complete(t, "t-3", "Score contacts", 0.95, 1)
	assert.Equal(t, []string{trigger.ReasonCooldown}, out.Aggregation.Evaluation.Codes())
	assert.InDelta(t, 30, out.Aggregation.Evaluation.CooldownRemaining, 1e-9)

	diag, err := env.Engine.Diagnose(env.Ctx, "ws-1")
	require.NoError(t, err)
	assert.InDelta(t, 30, diag.CooldownRemaining, 1e-9)
	assert.Equal(t, resilience.StateClosed, diag.Breaker.State)

	env.Clock.Advance(29 * time.Second)
	agg, err := env.Engine.Aggregate(env.Ctx, "ws-1")
	require.NoError(t, err)
	assert.Nil(t, agg.Deliverable)

	env.Clock.Advance(time.Second)
	agg, err = env.Engine.Aggregate(env.Ctx, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, agg.Deliverable)
	assert.Equal(t, "Score contacts", agg.Deliverable.Title)
	assert.Len(t, env.deliverables(t), 2)
}

func TestWorkspaceDeletedMidPipelineAborts(t *testing.T) {
	var env testEnv
	gen := &generation.Static{Fn: func(ctx context.Context, req generation.Request) (generation.Response, error) {
		if req.Purpose == "deliverable_draft" {
			if _, err := env.Engine.DeleteWorkspace(ctx, "ws-1", "admin"); err != nil {
				return generation.Response{}, err
			}
		}
		return generation.Response{}, errors.New("generator offline")
	}}
	env = newTestEnv(t, envOptions{target: 2, generator: gen})

	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	out := env.complete(t, "t-2", "Verify contacts", 0.95, 1)
	require.NotNil(t, out.Aggregation)
	assert.True(t, out.Aggregation.Evaluation.Ready)
	assert.Equal(t, engine.SkipWorkspaceDeleted, out.Aggregation.Skipped)
	assert.Nil(t, out.Aggregation.Deliverable)
	assert.Empty(t, env.deliverables(t))

	_, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{TaskID: "t-3", WorkspaceID: "ws-1", Name: "late"})
	require.ErrorIs(t, err, engine.ErrWorkspaceDeleted)
}

func TestBreakerGuardsDeliverableWrites(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 1, config: func(c *config.Config) {
		c.Resilience.FailureThreshold = 2
		c.Pipeline.CooldownSeconds = 0
	}})
	_, err := env.Conn.Exec(`CREATE TRIGGER fail_deliverables BEFORE INSERT ON deliverables
BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)
	require.NoError(t, err)

	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	_, err = env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID: "t-2", WorkspaceID: "ws-1", GoalID: "g-contacts", Name: "Verify contacts", QualityScore: score(0.95), Contribution: 1,
	})
	require.Error(t, err)
	_, err = env.Engine.Aggregate(env.Ctx, "ws-1")
	require.Error(t, err)

	agg, err := env.Engine.Aggregate(env.Ctx, "ws-1")
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, engine.SkipCircuitOpen, agg.Skipped)

	diag, err := env.Engine.Diagnose(env.Ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, resilience.StateOpen, diag.Breaker.State)
	assert.Equal(t, 2, diag.Breaker.FailureCount)
	assert.True(t, diag.Evaluation.Ready)

	_, err = env.Conn.Exec(`DROP TRIGGER fail_deliverables`)
	require.NoError(t, err)
	env.Clock.Advance(5 * time.Minute)
	agg, err = env.Engine.Aggregate(env.Ctx, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, agg.Deliverable)

	diag, err = env.Engine.Diagnose(env.Ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, resilience.StateClosed, diag.Breaker.State)

	var transitions []string
	for _, ev := range env.eventsOfType(t, events.BreakerTransition) {
		transitions = append(transitions, ev.Payload)
	}
	require.Len(t, transitions, 3)
	assert.Contains(t, transitions[0], `"to":"open"`)
	assert.Contains(t, transitions[1], `"to":"half_open"`)
	assert.Contains(t, transitions[2], `"to":"closed"`)
}

func TestGateDecisionsDriveTaskState(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	review, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID: "t-review", WorkspaceID: "ws-1", GoalID: "g-contacts", Name: "Draft contact notes",
		QualityScore: score(0.78), BusinessImpact: 0.9, Contribution: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, quality.HumanReview, review.Assessment.Decision)
	assert.Equal(t, quality.PriorityHigh, review.Assessment.ReviewPriority)
	assert.Equal(t, domain.TaskCompleted, review.Task.Status)
	assert.Equal(t, string(quality.HumanReview), review.Task.Decision)
	assert.Len(t, env.eventsOfType(t, events.HumanReviewRequested), 1)

	bad, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID: "t-bad", WorkspaceID: "ws-1", GoalID: "g-contacts", Name: "Contact list",
		Output: "TODO", QualityScore: score(0.3), Contribution: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, quality.CourseCorrection, bad.Assessment.Decision)
	assert.Equal(t, domain.TaskCompleted, bad.Task.Status)
	assert.Equal(t, string(quality.CourseCorrection), bad.Task.Decision)
	assert.Nil(t, bad.Progress, "rejected work does not move the goal")
	require.NotNil(t, bad.CorrectionTask)
	assert.Equal(t, domain.TaskPending, bad.CorrectionTask.Status)
	require.NotNil(t, bad.CorrectionTask.CorrectionOf)
	assert.Equal(t, "t-bad", *bad.CorrectionTask.CorrectionOf)
	assert.NotEmpty(t, bad.Assessment.ImprovementSuggestions)
	assert.Len(t, env.eventsOfType(t, events.CourseCorrectionRequired), 1)

	lessons, err := env.Engine.Memory.Query(env.Ctx, memory.Query{WorkspaceID: "ws-1", Type: domain.InsightFailureLesson})
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	require.NotNil(t, lessons[0].TaskID)
	assert.Equal(t, "t-bad", *lessons[0].TaskID)

	unscored, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID: "t-unscored", WorkspaceID: "ws-1", Name: "Mystery output",
	})
	require.NoError(t, err)
	assert.Equal(t, quality.HumanReview, unscored.Assessment.Decision)
	assert.True(t, unscored.Assessment.ScorerFailed)
	assert.Nil(t, unscored.Task.QualityScore)

	g, err := env.Engine.Repo.GetGoal(env.Ctx, "g-contacts")
	require.NoError(t, err)
	assert.Equal(t, 1.0, g.CurrentValue)
}

func TestCorrectionTaskCompletesThroughPipeline(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	bad := env.complete(t, "t-bad", "Contact list", 0.2, 4)
	require.NotNil(t, bad.CorrectionTask)

	fixed := env.complete(t, bad.CorrectionTask.ID, "Contact list (fixed)", 0.93, 4)
	assert.False(t, fixed.Duplicate)
	assert.Equal(t, domain.TaskCompleted, fixed.Task.Status)
	require.NotNil(t, fixed.Task.CorrectionOf)
	assert.Equal(t, "t-bad", *fixed.Task.CorrectionOf)
	require.NotNil(t, fixed.Progress)
	assert.Equal(t, 4.0, fixed.Progress.Goal.CurrentValue)
}

func TestRedeliveredEventIsIgnored(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.complete(t, "t-1", "Find contacts", 0.95, 4)
	again := env.complete(t, "t-1", "Find contacts", 0.95, 4)
	assert.True(t, again.Duplicate)

	g, err := env.Engine.Repo.GetGoal(env.Ctx, "g-contacts")
	require.NoError(t, err)
	assert.Equal(t, 4.0, g.CurrentValue)
	assert.Len(t, env.eventsOfType(t, events.TaskCompleted), 1)
}

func TestDiscoveriesExtractedFromOutput(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID: "t-1", WorkspaceID: "ws-1", GoalID: "g-contacts", Name: "Research",
		AgentRole: "researcher", QualityScore: score(0.85), Contribution: 1,
		Output: "Found 12 leads.\n\n## Learnings\n- Founders answer on LinkedIn faster than email\n- Series A companies rarely list a CTO\n",
	})
	require.NoError(t, err)
	found, err := env.Engine.Memory.Query(env.Ctx, memory.Query{WorkspaceID: "ws-1", Type: domain.InsightDiscovery, Tags: []string{"researcher"}})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestReassignDeliverableGoal(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 2})
	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	out := env.complete(t, "t-2", "Verify contacts", 0.95, 1)
	require.NotNil(t, out.Aggregation.Deliverable)

	other, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{
		ID: "g-meetings", WorkspaceID: "ws-1", Description: "Book discovery meetings", MetricType: "meetings", TargetValue: 5,
	})
	require.NoError(t, err)

	d, err := env.Engine.ReassignDeliverableGoal(env.Ctx, out.Aggregation.Deliverable.ID, other.ID, "reviewer", "meeting prep list")
	require.NoError(t, err)
	assert.Equal(t, "manual", d.MatchMethod)

	stored, err := env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.GoalID)
	assert.Equal(t, "g-meetings", *stored.GoalID)
	assert.Len(t, env.eventsOfType(t, events.DeliverableReassigned), 1)

	_, err = env.Engine.ReassignDeliverableGoal(env.Ctx, d.ID, "g-missing", "reviewer", "")
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "goal_id", verr.Field)
}

func TestEventValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cases := []struct {
		name  string
		ev    engine.TaskCompletedEvent
		field string
	}{
		{"missing task", engine.TaskCompletedEvent{WorkspaceID: "ws-1"}, "task_id"},
		{"negative contribution", engine.TaskCompletedEvent{TaskID: "t", WorkspaceID: "ws-1", Contribution: -1}, "contribution"},
		{"unknown goal", engine.TaskCompletedEvent{TaskID: "t", WorkspaceID: "ws-1", GoalID: "nope"}, "goal_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.HandleTaskCompleted(env.Ctx, tc.ev)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	_, err := env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{TaskID: "t", WorkspaceID: "ws-missing"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWorkspaceLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w, err := env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{Name: "Second"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceBootstrapping, w.Status)

	diag, err := env.Engine.Diagnose(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Contains(t, diag.Evaluation.Codes(), trigger.ReasonWorkspaceNotActive)

	_, err = env.Engine.SetWorkspaceStatus(env.Ctx, w.ID, domain.WorkspaceActive, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SetWorkspaceStatus(env.Ctx, w.ID, domain.WorkspacePaused, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SetWorkspaceStatus(env.Ctx, w.ID, domain.WorkspaceBootstrapping, "tester")
	require.Error(t, err)

	deleted, err := env.Engine.DeleteWorkspace(env.Ctx, w.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceDeleted, deleted.Status)
	require.NotNil(t, deleted.DeletedAt)
	_, err = env.Engine.SetWorkspaceStatus(env.Ctx, w.ID, domain.WorkspaceActive, "tester")
	require.ErrorIs(t, err, engine.ErrWorkspaceDeleted)
	_, err = env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{WorkspaceID: w.ID, Description: "x", TargetValue: 1})
	require.ErrorIs(t, err, engine.ErrWorkspaceDeleted)
}

func TestBusinessValueAveragesEveryCompletedTask(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for i := 0; i < 3; i++ {
		out := env.complete(t, fmt.Sprintf("t-low-%d", i), fmt.Sprintf("Contact draft %d", i), 0.2, 1)
		assert.Equal(t, quality.CourseCorrection, out.Assessment.Decision)
	}
	env.complete(t, "t-good-1", "Research SaaS contacts", 0.95, 5)
	out := env.complete(t, "t-good-2", "Qualify contact list", 0.95, 5)
	require.NotNil(t, out.Progress)
	assert.True(t, out.Progress.Completed)

	ev := out.Aggregation.Evaluation
	assert.False(t, ev.Ready)
	assert.Equal(t, 5, ev.CompletedTasks, "pending correction tasks are not counted")
	assert.InDelta(t, 0.50, ev.AvgQuality, 1e-9)
	assert.Equal(t, []string{trigger.ReasonLowBusinessValue}, ev.Codes())
	assert.Empty(t, env.deliverables(t))

	n, avg, err := env.Engine.Repo.CompletedTaskStats(env.Ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.InDelta(t, 0.50, avg, 1e-9)
}

func TestReviewBandTasksReachTheTrigger(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var out engine.Outcome
	for i := 1; i <= 3; i++ {
		out = env.complete(t, fmt.Sprintf("t-%d", i), fmt.Sprintf("Contact batch %d", i), 0.75, 4)
		assert.Equal(t, quality.HumanReview, out.Assessment.Decision)
		assert.Equal(t, domain.TaskCompleted, out.Task.Status)
	}
	require.NotNil(t, out.Progress)
	assert.Equal(t, 12.0, out.Progress.Goal.CurrentValue)

	ev := out.Aggregation.Evaluation
	assert.True(t, ev.Ready, ev.Codes())
	assert.Equal(t, 3, ev.CompletedTasks)
	assert.InDelta(t, 0.75, ev.AvgQuality, 1e-9)
	require.NotNil(t, out.Aggregation.Deliverable)

	review, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkspaceID: "ws-1", Decision: string(quality.HumanReview)})
	require.NoError(t, err)
	require.Len(t, review, 3)
	for _, task := range review {
		require.NotNil(t, task.DeliverableID)
		assert.Equal(t, out.Aggregation.Deliverable.ID, *task.DeliverableID)
	}

	again := env.complete(t, "t-1", "Contact batch 1", 0.95, 4)
	assert.True(t, again.Duplicate)
	assert.Equal(t, string(quality.HumanReview), again.Task.Decision)
}

func TestCorrectedTasksAreNotAggregated(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 2})
	bad := env.complete(t, "t-bad", "Contact dump", 0.3, 1)
	require.NotNil(t, bad.CorrectionTask)
	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	out := env.complete(t, "t-2", "Verify contacts", 0.95, 1)

	d := out.Aggregation.Deliverable
	require.NotNil(t, d, out.Aggregation.Evaluation.Codes())
	assert.Equal(t, "Find contacts, Verify contacts", d.Title)
	task, err := env.Engine.Repo.GetTask(env.Ctx, "t-bad")
	require.NoError(t, err)
	assert.Nil(t, task.DeliverableID)
}

func TestPausedGoalsAreNotMatched(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 2})
	_, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{
		ID: "g-email", WorkspaceID: "ws-1", Description: "Email sequence for outreach", MetricType: "emails", TargetValue: 3,
	})
	require.NoError(t, err)
	_, err = env.Engine.SetGoalStatus(env.Ctx, "g-email", domain.GoalPaused, "tester")
	require.NoError(t, err)

	env.complete(t, "t-1", "Write email sequence", 0.95, 1)
	out := env.complete(t, "t-2", "Draft email copy", 0.95, 1)
	require.NotNil(t, out.Aggregation)
	d := out.Aggregation.Deliverable
	require.NotNil(t, d, out.Aggregation.Skipped)
	require.NotNil(t, d.GoalID)
	assert.Equal(t, "g-contacts", *d.GoalID)
	require.NotNil(t, out.Aggregation.Match)
	assert.Equal(t, "g-contacts", out.Aggregation.Match.GoalID)
}

func TestFailedProgressWriteLeavesTaskRetryable(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, err := env.Conn.Exec(`CREATE TRIGGER fail_goal_updates BEFORE UPDATE ON goals
BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)
	require.NoError(t, err)

	_, err = env.Engine.HandleTaskCompleted(env.Ctx, engine.TaskCompletedEvent{
		TaskID: "t-1", WorkspaceID: "ws-1", GoalID: "g-contacts", Name: "Find contacts", QualityScore: score(0.95), Contribution: 4,
	})
	require.Error(t, err)
	_, err = env.Engine.Repo.GetTask(env.Ctx, "t-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.Empty(t, env.eventsOfType(t, events.TaskCompleted))
	assert.Empty(t, env.eventsOfType(t, events.QualityDecided))

	_, err = env.Conn.Exec(`DROP TRIGGER fail_goal_updates`)
	require.NoError(t, err)
	out := env.complete(t, "t-1", "Find contacts", 0.95, 4)
	assert.False(t, out.Duplicate)
	require.NotNil(t, out.Progress)
	assert.Equal(t, 4.0, out.Progress.Goal.CurrentValue)
	assert.Len(t, env.eventsOfType(t, events.GoalProgressChanged), 1)
}

func TestCancelledEventCanBeRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the caller goes away while the output is being graded
	gen := &generation.Static{Fn: func(_ context.Context, req generation.Request) (generation.Response, error) {
		if req.Purpose == "quality_assessment" {
			cancel()
			return generation.Response{JSON: map[string]any{"score": 0.95}}, nil
		}
		return generation.Response{}, errors.New("generator offline")
	}}
	env := newTestEnv(t, envOptions{generator: gen})
	ev := engine.TaskCompletedEvent{
		TaskID: "t-1", WorkspaceID: "ws-1", GoalID: "g-contacts", Name: "Find contacts", Contribution: 4,
	}

	_, err := env.Engine.HandleTaskCompleted(ctx, ev)
	require.ErrorIs(t, err, context.Canceled)
	_, err = env.Engine.Repo.GetTask(env.Ctx, "t-1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	out, err := env.Engine.HandleTaskCompleted(env.Ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, quality.AutoApprove, out.Assessment.Decision)
	require.NotNil(t, out.Progress)
	assert.Equal(t, 4.0, out.Progress.Goal.CurrentValue)
}

func TestDuplicateDeliverableKeyStoresOneRow(t *testing.T) {
	env := newTestEnv(t, envOptions{target: 2})
	goalID := "g-contacts"
	existing := domain.Deliverable{
		ID:          "d-existing",
		WorkspaceID: "ws-1",
		GoalID:      &goalID,
		Title:       "Find contacts, Verify contacts",
		Type:        "contact_list",
		Status:      domain.DeliverableCompleted,
		CreatedAt:   domain.FormatTime(env.Clock.Now().Add(-time.Hour)),
	}
	require.NoError(t, env.Engine.Repo.InsertDeliverable(env.Ctx, nil, existing))
	again := existing
	again.ID = "d-again"
	require.ErrorIs(t, env.Engine.Repo.InsertDeliverable(env.Ctx, nil, again), repo.ErrDuplicate)

	env.complete(t, "t-1", "Find contacts", 0.95, 1)
	out := env.complete(t, "t-2", "Verify contacts", 0.95, 1)
	require.NotNil(t, out.Aggregation)
	assert.True(t, out.Aggregation.Evaluation.Ready, out.Aggregation.Evaluation.Codes())
	assert.Equal(t, engine.SkipDuplicate, out.Aggregation.Skipped)
	assert.Nil(t, out.Aggregation.Deliverable)

	ds := env.deliverables(t)
	require.Len(t, ds, 1)
	assert.Equal(t, "d-existing", ds[0].ID)

	diag, err := env.Engine.Diagnose(env.Ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, resilience.StateClosed, diag.Breaker.State)
	assert.Equal(t, 0, diag.Breaker.FailureCount)

	task, err := env.Engine.Repo.GetTask(env.Ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, task.DeliverableID)
}
