package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"deliverline/internal/domain"
	"deliverline/internal/generation"
)

// Match methods, in the order the default matcher tries them.
const (
	MethodPattern    = "pattern"
	MethodAISemantic = "ai_semantic"
	MethodKeyword    = "keyword_fallback"
	MethodLastResort = "last_resort"
)

var ErrNoCandidates = errors.New("no open goals to match")

// Draft is the deliverable being attributed.
type Draft struct {
	Title          string
	Type           string
	ContentPreview string
}

type Input struct {
	Draft    Draft
	Goals    []domain.Goal
	Patterns []domain.LearnedPattern
}

type Result struct {
	GoalID     string  `json:"goal_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Method     string  `json:"method"`
}

// Strategy proposes a goal. ok=false passes control to the next strategy; an error is
// logged and treated the same way.
type Strategy interface {
	Name() string
	Match(ctx context.Context, in Input) (res Result, ok bool, err error)
}

// Matcher runs strategies in order and stops at the first match.
type Matcher struct {
	Strategies []Strategy
	Logger     zerolog.Logger
}

// New returns the standard pipeline: pattern memory, semantic match, keyword fallback,
// last resort. A nil generator skips the semantic step.
func New(gen generation.Generator, timeout time.Duration, patternCap float64, logger zerolog.Logger) Matcher {
	return Matcher{
		Strategies: []Strategy{
			Pattern{Cap: patternCap},
			AISemantic{Gen: gen, Timeout: timeout},
			Keyword{},
			LastResort{},
		},
		Logger: logger,
	}
}

// Match attributes the draft to one of the goals. The result always carries the method
// of the strategy that produced it.
func (m Matcher) Match(ctx context.Context, in Input) (Result, error) {
	if len(in.Goals) == 0 {
		return Result{}, ErrNoCandidates
	}
	for _, s := range m.Strategies {
		res, ok, err := s.Match(ctx, in)
		if err != nil {
			m.Logger.Warn().Err(err).Str("strategy", s.Name()).Str("title", in.Draft.Title).Msg("matcher.strategy_failed")
			continue
		}
		if !ok {
			m.Logger.Debug().Str("strategy", s.Name()).Str("title", in.Draft.Title).Msg("matcher.no_match")
			continue
		}
		if !hasGoal(in.Goals, res.GoalID) {
			m.Logger.Warn().Str("strategy", s.Name()).Str("goal_id", res.GoalID).Msg("matcher.unknown_goal")
			continue
		}
		res.Method = s.Name()
		ev := m.Logger.Info()
		if res.Method == MethodLastResort {
			ev = m.Logger.Warn()
		}
		ev.Str("method", res.Method).Str("goal_id", res.GoalID).Float64("confidence", res.Confidence).
			Str("title", in.Draft.Title).Str("reasoning", res.Reasoning).Msg("matcher.match")
		return res, nil
	}
	return Result{}, fmt.Errorf("no strategy matched %q", in.Draft.Title)
}

func hasGoal(goals []domain.Goal, id string) bool {
	for _, g := range goals {
		if g.ID == id {
			return true
		}
	}
	return false
}
