package quality

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"deliverline/internal/generation"
)

var ErrNoScore = errors.New("artifact has no reported score")

// ReportedScorer trusts the score computed upstream by the producing agent.
type ReportedScorer struct{}

func (ReportedScorer) Score(_ context.Context, a Artifact) (Score, error) {
	if a.ReportedScore == nil {
		return Score{}, ErrNoScore
	}
	return Score{Value: *a.ReportedScore}, nil
}

// GeneratorScorer asks the generation service to grade the artifact. The response must
// be a JSON object with a numeric "score" in [0,1]; "impact", "reasoning" and
// "suggestions" are optional.
type GeneratorScorer struct {
	Gen generation.Generator
}

func (s GeneratorScorer) Score(ctx context.Context, a Artifact) (Score, error) {
	if s.Gen == nil {
		return Score{}, generation.ErrDisabled
	}
	res, err := s.Gen.Generate(ctx, generation.Request{
		Purpose: "quality_assessment",
		Prompt: "Grade the artifact for business readiness. Reply with JSON: " +
			`{"score": 0..1, "impact": 0..1, "reasoning": "...", "suggestions": ["..."]}`,
		Context: map[string]any{
			"artifact_id": a.ID,
			"kind":        a.Kind,
			"title":       a.Title,
			"content":     preview(a.Content, 4000),
		},
	})
	if err != nil {
		return Score{}, err
	}
	v, ok := generation.Float(res.JSON, "score")
	if !ok {
		return Score{}, fmt.Errorf("quality response missing score")
	}
	out := Score{
		Value:       v,
		Reasoning:   generation.String(res.JSON, "reasoning"),
		Suggestions: generation.Strings(res.JSON, "suggestions"),
	}
	if impact, ok := generation.Float(res.JSON, "impact"); ok {
		out.Impact = &impact
	}
	return out, nil
}

// FirstOf tries scorers in order and returns the first success.
type FirstOf []Scorer

func (f FirstOf) Score(ctx context.Context, a Artifact) (Score, error) {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		res, err := s.Score(ctx, a)
		if err == nil {
			return res, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Score{}, errors.New("no scorer configured")
	}
	return Score{}, errors.Join(errs...)
}

// preview cuts s to at most n bytes without splitting a UTF-8 sequence.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
