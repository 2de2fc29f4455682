package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"deliverline/internal/config"
)

type Decision string

const (
	AutoApprove      Decision = "auto_approve"
	AIEnhancement    Decision = "ai_enhancement"
	HumanReview      Decision = "human_review"
	CourseCorrection Decision = "course_correction"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Artifact is the unit handed to the gate: a task output or a generated deliverable.
type Artifact struct {
	ID          string
	WorkspaceID string
	Kind        string
	Title       string
	Content     string
	// ReportedScore is a score computed upstream, used by ReportedScorer.
	ReportedScore *float64
	// BusinessImpact in [0,1] feeds the review priority.
	BusinessImpact float64
}

// Score is a scorer's verdict on an artifact.
type Score struct {
	Value       float64
	Impact      *float64
	Reasoning   string
	Suggestions []string
}

type Scorer interface {
	Score(ctx context.Context, a Artifact) (Score, error)
}

type Assessment struct {
	ArtifactID             string   `json:"artifact_id"`
	QualityScore           float64  `json:"quality_score"`
	Decision               Decision `json:"decision"`
	Reasoning              string   `json:"reasoning"`
	ReviewPriority         Priority `json:"review_priority,omitempty"`
	ImprovementSuggestions []string `json:"improvement_suggestions,omitempty"`
	ScorerFailed           bool     `json:"scorer_failed,omitempty"`
	ComputedAt             string   `json:"computed_at" format:"date-time"`
}

// Gate maps quality scores to automated actions.
//
// Precedence, first match wins:
//  1. score >= auto_approve_threshold  -> auto_approve
//  2. score <= auto_reject_threshold   -> course_correction
//  3. human_review_min <= score <= human_review_max -> human_review
//  4. otherwise -> ai_enhancement
//
// The order holds even when the configured ranges overlap or leave gaps.
type Gate struct {
	Thresholds config.Quality
	Scorer     Scorer
	Logger     zerolog.Logger
	Now        func() time.Time
}

func NewGate(thresholds config.Quality, scorer Scorer, logger zerolog.Logger) Gate {
	return Gate{Thresholds: thresholds, Scorer: scorer, Logger: logger, Now: time.Now}
}

// Evaluate is a pure function of score and thresholds.
func (g Gate) Evaluate(score float64) Decision {
	t := g.Thresholds
	switch {
	case score >= t.AutoApproveThreshold:
		return AutoApprove
	case score <= t.AutoRejectThreshold:
		return CourseCorrection
	case score >= t.HumanReviewMin && score <= t.HumanReviewMax:
		return HumanReview
	default:
		return AIEnhancement
	}
}

func (g Gate) reasoning(score float64, d Decision) string {
	t := g.Thresholds
	switch d {
	case AutoApprove:
		return fmt.Sprintf("score %.2f >= auto_approve_threshold %.2f", score, t.AutoApproveThreshold)
	case CourseCorrection:
		return fmt.Sprintf("score %.2f <= auto_reject_threshold %.2f", score, t.AutoRejectThreshold)
	case HumanReview:
		return fmt.Sprintf("score %.2f within human review band [%.2f, %.2f]", score, t.HumanReviewMin, t.HumanReviewMax)
	default:
		return fmt.Sprintf("score %.2f between thresholds; eligible for automated enhancement", score)
	}
}

// ReviewPriority ranks human review work by quality and business impact.
func ReviewPriority(quality, impact float64) Priority {
	switch {
	case quality > 0.75 && impact > 0.8:
		return PriorityHigh
	case quality > 0.6 || impact > 0.5:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Assess scores the artifact and decides. A scorer failure yields human_review, never approval.
func (g Gate) Assess(ctx context.Context, a Artifact) Assessment {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	out := Assessment{ArtifactID: a.ID, ComputedAt: now().UTC().Format(time.RFC3339)}
	impact := a.BusinessImpact

	var (
		s   Score
		err error
	)
	if g.Scorer == nil {
		err = fmt.Errorf("no scorer configured")
	} else {
		s, err = g.Scorer.Score(ctx, a)
	}
	if err == nil && (s.Value < 0 || s.Value > 1) {
		err = fmt.Errorf("score %.3f outside [0,1]", s.Value)
	}
	if err != nil {
		out.Decision = HumanReview
		out.ScorerFailed = true
		out.Reasoning = "scorer failed: " + err.Error()
		out.ReviewPriority = ReviewPriority(0, impact)
		g.Logger.Warn().Err(err).Str("artifact_id", a.ID).Str("workspace_id", a.WorkspaceID).
			Str("decision", string(out.Decision)).Msg("quality.decision")
		return out
	}
	if s.Impact != nil {
		impact = *s.Impact
	}
	out.QualityScore = s.Value
	out.Decision = g.Evaluate(s.Value)
	out.Reasoning = g.reasoning(s.Value, out.Decision)
	if s.Reasoning != "" {
		out.Reasoning += "; " + s.Reasoning
	}
	switch out.Decision {
	case HumanReview:
		out.ReviewPriority = ReviewPriority(s.Value, impact)
	case CourseCorrection:
		out.ImprovementSuggestions = s.Suggestions
		if len(out.ImprovementSuggestions) == 0 {
			out.ImprovementSuggestions = Suggestions(a, s.Value, g.Thresholds.AutoRejectThreshold)
		}
	case AIEnhancement:
		out.ImprovementSuggestions = s.Suggestions
	}
	t := g.Thresholds
	g.Logger.Info().
		Str("artifact_id", a.ID).
		Str("workspace_id", a.WorkspaceID).
		Float64("score", s.Value).
		Float64("auto_approve_threshold", t.AutoApproveThreshold).
		Float64("auto_reject_threshold", t.AutoRejectThreshold).
		Float64("human_review_min", t.HumanReviewMin).
		Float64("human_review_max", t.HumanReviewMax).
		Str("decision", string(out.Decision)).
		Msg("quality.decision")
	return out
}

var placeholderMarkers = []string{"lorem ipsum", "todo", "tbd", "placeholder", "[insert", "example.com"}

// Suggestions derives correction hints from the artifact when the scorer gave none.
func Suggestions(a Artifact, score, rejectThreshold float64) []string {
	var out []string
	content := strings.TrimSpace(a.Content)
	lower := strings.ToLower(content)
	switch {
	case content == "":
		out = append(out, "Produce substantive output; the artifact is empty")
	case len(strings.Fields(content)) < 30:
		out = append(out, "Expand the output with concrete, actionable detail")
	}
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			out = append(out, "Replace placeholder content with real, verifiable data")
			break
		}
	}
	out = append(out, fmt.Sprintf("Raise quality from %.2f to above %.2f before resubmitting", score, rejectThreshold))
	return out
}
