package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"deliverline/internal/domain"
	"deliverline/internal/generation"
)

// Pattern reuses historical (deliverable type -> goal) attributions.
type Pattern struct {
	// Cap bounds the confidence; defaults to 95.
	Cap float64
}

func (Pattern) Name() string { return MethodPattern }

func (p Pattern) Match(_ context.Context, in Input) (Result, bool, error) {
	if in.Draft.Type == "" {
		return Result{}, false, nil
	}
	total := 0
	var best domain.LearnedPattern
	for _, pt := range in.Patterns {
		if pt.DeliverableType != in.Draft.Type || pt.Count <= 0 {
			continue
		}
		total += pt.Count
		if !hasGoal(in.Goals, pt.GoalID) {
			continue
		}
		if pt.Count > best.Count {
			best = pt
		}
	}
	if best.GoalID == "" {
		return Result{}, false, nil
	}
	limit := p.Cap
	if limit <= 0 {
		limit = 95
	}
	share := float64(best.Count) / float64(total)
	conf := math.Min(limit, (50+10*float64(best.Count))*share)
	return Result{
		GoalID:     best.GoalID,
		Confidence: math.Round(conf*10) / 10,
		Reasoning:  fmt.Sprintf("%d of %d past %q deliverables were attributed to this goal", best.Count, total, in.Draft.Type),
	}, true, nil
}

// AISemantic asks the generation service to pick a goal. The call is bounded by Timeout
// and is never retried; a timeout or an unknown goal id passes to the next strategy.
type AISemantic struct {
	Gen     generation.Generator
	Timeout time.Duration
}

func (AISemantic) Name() string { return MethodAISemantic }

func (a AISemantic) Match(ctx context.Context, in Input) (Result, bool, error) {
	if a.Gen == nil {
		return Result{}, false, nil
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates := make([]map[string]any, 0, len(in.Goals))
	for _, g := range in.Goals {
		candidates = append(candidates, map[string]any{
			"goal_id":     g.ID,
			"description": g.Description,
			"metric_type": g.MetricType,
			"progress":    math.Round(g.ProgressPercent()),
		})
	}
	type outcome struct {
		res generation.Response
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.Gen.Generate(ctx, generation.Request{
			Purpose: "goal_match",
			Prompt: "Pick the goal this deliverable contributes to. Reply with JSON: " +
				`{"goal_id": "...", "confidence": 0..100, "reasoning": "..."}`,
			Context: map[string]any{
				"title":   in.Draft.Title,
				"type":    in.Draft.Type,
				"preview": truncate(in.Draft.ContentPreview, 500),
				"goals":   candidates,
			},
		})
		done <- outcome{res, err}
	}()
	var out outcome
	select {
	case <-ctx.Done():
		return Result{}, false, fmt.Errorf("ai match: %w", ctx.Err())
	case out = <-done:
	}
	if out.err != nil {
		return Result{}, false, fmt.Errorf("ai match: %w", out.err)
	}
	goalID := generation.String(out.res.JSON, "goal_id")
	if goalID == "" || !hasGoal(in.Goals, goalID) {
		return Result{}, false, fmt.Errorf("ai match returned unknown goal %q", goalID)
	}
	conf, _ := generation.Float(out.res.JSON, "confidence")
	conf = math.Max(0, math.Min(100, conf))
	return Result{GoalID: goalID, Confidence: conf, Reasoning: generation.String(out.res.JSON, "reasoning")}, true, nil
}

type keywordBonus struct {
	draft, goal string
	points      float64
}

var domainBonuses = []keywordBonus{
	{"email", "email", 30},
	{"list", "contact", 25},
	{"contact", "contact", 25},
	{"sequence", "email", 20},
	{"campaign", "outreach", 20},
	{"report", "analysis", 15},
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {}, "that": {}, "this": {},
	"our": {}, "your": {}, "are": {}, "was": {}, "will": {}, "all": {}, "new": {},
}

const (
	keywordPerToken    = 10
	activeGoalBonus    = 5
	keywordMinScore    = keywordPerToken
	keywordConfidenceC = 85
)

// Keyword scores goals by token overlap and domain bonuses. Scores that only reflect the
// active-status bonus count as no match.
type Keyword struct{}

func (Keyword) Name() string { return MethodKeyword }

func (Keyword) Match(_ context.Context, in Input) (Result, bool, error) {
	titleTokens := tokenSet(in.Draft.Title)
	draftTokens := tokenSet(in.Draft.Title + " " + in.Draft.Type)
	bestScore := 0.0
	var best Result
	for _, g := range in.Goals {
		goalTokens := tokenSet(g.Description + " " + g.MetricType)
		var shared []string
		for tok := range titleTokens {
			if _, ok := goalTokens[tok]; ok {
				shared = append(shared, tok)
			}
		}
		sort.Strings(shared)
		score := float64(len(shared) * keywordPerToken)
		var bonuses []string
		for _, b := range domainBonuses {
			if _, ok := draftTokens[b.draft]; !ok {
				continue
			}
			if _, ok := goalTokens[b.goal]; !ok {
				continue
			}
			score += b.points
			bonuses = append(bonuses, fmt.Sprintf("%s~%s+%g", b.draft, b.goal, b.points))
		}
		if score < keywordMinScore {
			continue
		}
		if g.Status == domain.GoalActive {
			score += activeGoalBonus
		}
		if score > bestScore {
			bestScore = score
			best = Result{
				GoalID:     g.ID,
				Confidence: math.Min(keywordConfidenceC, score),
				Reasoning:  fmt.Sprintf("score %.0f: shared %v, bonuses %v", score, shared, bonuses),
			}
		}
	}
	if bestScore == 0 {
		return Result{}, false, nil
	}
	return best, true, nil
}

// LastResort picks the first active goal, or the first goal if none is active. Its
// confidence is fixed low so the attribution stands out in audits.
type LastResort struct{}

const lastResortConfidence = 10

func (LastResort) Name() string { return MethodLastResort }

func (LastResort) Match(_ context.Context, in Input) (Result, bool, error) {
	if len(in.Goals) == 0 {
		return Result{}, false, nil
	}
	pick := in.Goals[0]
	for _, g := range in.Goals {
		if g.Status == domain.GoalActive {
			pick = g
			break
		}
	}
	return Result{
		GoalID:     pick.ID,
		Confidence: lastResortConfidence,
		Reasoning:  "no pattern, semantic or keyword match; attributed to the first active goal",
	}, true, nil
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out[singular(f)] = struct{}{}
	}
	return out
}

// singular folds simple English plurals so "contacts" meets "contact".
func singular(w string) string {
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "ss"):
		return w
	case strings.HasSuffix(w, "s") && len(w) > 3:
		return w[:len(w)-1]
	}
	return w
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
