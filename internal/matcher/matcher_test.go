package matcher_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/domain"
	"deliverline/internal/generation"
	"deliverline/internal/matcher"
)

func goals() []domain.Goal {
	return []domain.Goal{
		{ID: "g-done", Description: "Launch landing page", Status: domain.GoalCompleted, TargetValue: 1, CurrentValue: 1},
		{ID: "g-contacts", Description: "Collect 50 qualified contacts", MetricType: "contacts", Status: domain.GoalActive, TargetValue: 50},
		{ID: "g-email", Description: "Write outbound email templates", MetricType: "templates", Status: domain.GoalActive, TargetValue: 5},
	}
}

func staticAI(goalID string) *generation.Static {
	return &generation.Static{Fn: func(context.Context, generation.Request) (generation.Response, error) {
		return generation.Response{JSON: map[string]any{"goal_id": goalID, "confidence": 88.0, "reasoning": "semantic fit"}}, nil
	}}
}

func TestPatternMatchFirst(t *testing.T) {
	ai := staticAI("g-email")
	m := matcher.New(ai, time.Second, 95, zerolog.Nop())
	res, err := m.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Prospect sheet", Type: "contact_list"},
		Goals: goals(),
		Patterns: []domain.LearnedPattern{
			{DeliverableType: "contact_list", GoalID: "g-contacts", Count: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, matcher.MethodPattern, res.Method)
	assert.Equal(t, "g-contacts", res.GoalID)
	assert.Equal(t, 80.0, res.Confidence)
	assert.Empty(t, ai.Calls(), "pattern hit skips the semantic step")
}

func TestPatternConfidenceCapped(t *testing.T) {
	res, ok, err := matcher.Pattern{Cap: 95}.Match(context.Background(), matcher.Input{
		Draft:    matcher.Draft{Type: "contact_list"},
		Goals:    goals(),
		Patterns: []domain.LearnedPattern{{DeliverableType: "contact_list", GoalID: "g-contacts", Count: 12}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 95.0, res.Confidence)

	// frequency share scales confidence down
	res, _, _ = matcher.Pattern{}.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Type: "contact_list"},
		Goals: goals(),
		Patterns: []domain.LearnedPattern{
			{DeliverableType: "contact_list", GoalID: "g-contacts", Count: 1},
			{DeliverableType: "contact_list", GoalID: "g-email", Count: 1},
		},
	})
	assert.Equal(t, 30.0, res.Confidence)
}

func TestPatternForRemovedGoalFallsThrough(t *testing.T) {
	m := matcher.New(staticAI("g-email"), time.Second, 95, zerolog.Nop())
	res, err := m.Match(context.Background(), matcher.Input{
		Draft:    matcher.Draft{Title: "Cold email pack", Type: "email_sequence"},
		Goals:    goals(),
		Patterns: []domain.LearnedPattern{{DeliverableType: "email_sequence", GoalID: "g-gone", Count: 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, matcher.MethodAISemantic, res.Method)
	assert.Equal(t, "g-email", res.GoalID)
	assert.Equal(t, 88.0, res.Confidence)
}

func TestInvalidAIGoalFallsToKeywordWithoutRetry(t *testing.T) {
	ai := staticAI("g-hallucinated")
	m := matcher.New(ai, time.Second, 95, zerolog.Nop())
	res, err := m.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Email sequence for prospects", Type: "email_sequence"},
		Goals: goals(),
	})
	require.NoError(t, err)
	assert.Equal(t, matcher.MethodKeyword, res.Method)
	assert.Equal(t, "g-email", res.GoalID)
	assert.Len(t, ai.Calls(), 1)
}

func TestAITimeoutFallsThrough(t *testing.T) {
	slow := &generation.Static{Fn: func(ctx context.Context, _ generation.Request) (generation.Response, error) {
		<-ctx.Done()
		return generation.Response{}, ctx.Err()
	}}
	m := matcher.New(slow, 20*time.Millisecond, 95, zerolog.Nop())
	start := time.Now()
	res, err := m.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Contact list of SaaS founders", Type: "contact_list"},
		Goals: goals(),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, matcher.MethodKeyword, res.Method)
	assert.Equal(t, "g-contacts", res.GoalID)
}

func TestKeywordScoring(t *testing.T) {
	res, ok, err := matcher.Keyword{}.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Contact list of SaaS founders"},
		Goals: goals(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "g-contacts", res.GoalID)
	// shared "contact" (10) + list~contact (25) + contact~contact (25) + active (5)
	assert.Equal(t, 65.0, res.Confidence)

	_, ok, err = matcher.Keyword{}.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Quarterly roadmap"},
		Goals: goals(),
	})
	require.NoError(t, err)
	assert.False(t, ok, "active bonus alone is not a match")
}

func TestLastResortIsExplicitAndLogged(t *testing.T) {
	var buf bytes.Buffer
	m := matcher.New(nil, time.Second, 95, zerolog.New(&buf))
	res, err := m.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Quarterly roadmap", Type: "plan"},
		Goals: goals(),
	})
	require.NoError(t, err)
	assert.Equal(t, matcher.MethodLastResort, res.Method)
	assert.Equal(t, "g-contacts", res.GoalID, "first active goal, not index 0")
	assert.Equal(t, 10.0, res.Confidence)
	assert.Contains(t, buf.String(), `"method":"last_resort"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestNoCandidates(t *testing.T) {
	_, err := matcher.New(nil, time.Second, 95, zerolog.Nop()).Match(context.Background(), matcher.Input{})
	require.ErrorIs(t, err, matcher.ErrNoCandidates)
}

func TestAIPreviewKeepsWholeRunes(t *testing.T) {
	ai := staticAI("g-email")
	_, ok, err := matcher.AISemantic{Gen: ai, Timeout: time.Second}.Match(context.Background(), matcher.Input{
		Draft: matcher.Draft{Title: "Séquence d'e-mails", ContentPreview: "a" + strings.Repeat("é", 400)},
		Goals: goals(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, ai.Calls(), 1)
	preview, _ := ai.Calls()[0].Context["preview"].(string)
	assert.True(t, utf8.ValidString(preview))
	assert.Len(t, preview, 499)
}
