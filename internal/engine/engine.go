package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"deliverline/internal/config"
	"deliverline/internal/events"
	"deliverline/internal/generation"
	"deliverline/internal/matcher"
	"deliverline/internal/memory"
	"deliverline/internal/progress"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
	"deliverline/internal/trigger"
)

// OpCreateDeliverable names the circuit breaker guarding deliverable writes.
const OpCreateDeliverable = "create_deliverable"

var ErrWorkspaceDeleted = errors.New("workspace deleted")

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Options carries the collaborators New cannot derive from the config.
type Options struct {
	// Generator is optional; nil disables semantic matching, generated drafts and model scoring.
	Generator generation.Generator
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Engine wires the pipeline: quality gate, progress, trigger, matcher, deliverable write
// and insight capture. Copies share state.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Logger    zerolog.Logger
	Generator generation.Generator

	Gate     quality.Gate
	Tracker  progress.Tracker
	Memory   memory.Store
	Matcher  matcher.Matcher
	Breakers *resilience.Breakers
	Debounce *resilience.Debouncer
	Cooldown *resilience.Cooldown
	Locks    *resilience.KeyedMutex
	Retry    resilience.RetryPolicy
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{Now: now},
		Config:    cfg,
		Now:       now,
		Logger:    logger,
		Generator: opts.Generator,
		Debounce:  resilience.NewDebouncer(cfg.DebounceWindow()),
		Cooldown:  resilience.NewCooldown(cfg.Cooldown(), now),
		Locks:     resilience.NewKeyedMutex(),
		Retry: resilience.RetryPolicy{
			Retries: cfg.Resilience.ReadRetries,
			Backoff: cfg.ReadRetryBackoff(),
		},
	}
	scorers := quality.FirstOf{quality.ReportedScorer{}}
	if opts.Generator != nil {
		scorers = append(scorers, quality.GeneratorScorer{Gen: opts.Generator})
	}
	e.Gate = quality.NewGate(cfg.Quality, scorers, logger.With().Str("component", "quality").Logger())
	e.Gate.Now = now
	e.Tracker = progress.New(db, now, logger.With().Str("component", "progress").Logger())
	e.Memory = memory.New(db, now, logger.With().Str("component", "memory").Logger())
	var matchGen generation.Generator
	if cfg.Matcher.AIEnabled {
		matchGen = opts.Generator
	}
	e.Matcher = matcher.New(matchGen, cfg.MatcherTimeout(), cfg.Matcher.PatternConfidence,
		logger.With().Str("component", "matcher").Logger())
	e.Breakers = resilience.NewBreakers(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
	}, now, logger.With().Str("component", "resilience").Logger(), e.recordBreakerTransition)
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluator returns a trigger evaluator over debounced, retried reads.
func (e Engine) Evaluator() trigger.Evaluator {
	return trigger.New(readStore{e: e, cached: true}, e.Config.Pipeline, e.Now, e.Logger.With().Str("component", "trigger").Logger())
}

// freshEvaluator bypasses the debounce cache.
func (e Engine) freshEvaluator() trigger.Evaluator {
	return trigger.New(readStore{e: e}, e.Config.Pipeline, e.Now, e.Logger.With().Str("component", "trigger").Logger())
}

// invalidate drops cached reads for a workspace after a write.
func (e Engine) invalidate(workspaceID string) {
	e.Debounce.Invalidate(workspaceID + ":")
}

func (e Engine) recordBreakerTransition(name string, from, to resilience.State) {
	workspaceID, op, _ := strings.Cut(name, "/")
	tx, err := e.DB.BeginTx(context.Background(), nil)
	if err != nil {
		e.Logger.Error().Err(err).Str("breaker", name).Msg("breaker.event_failed")
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(context.Background(), tx, events.BreakerTransition, workspaceID, "breaker", name, "system", events.Payload{
		"operation": op,
		"from":      string(from),
		"to":        string(to),
	}); err != nil {
		e.Logger.Error().Err(err).Str("breaker", name).Msg("breaker.event_failed")
		return
	}
	if err := tx.Commit(); err != nil {
		e.Logger.Error().Err(err).Str("breaker", name).Msg("breaker.event_failed")
	}
}
