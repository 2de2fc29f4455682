package engine

import (
	"context"
	"strings"
	"time"

	"deliverline/internal/domain"
	"deliverline/internal/resilience"
)

// readStore serves the trigger evaluator. Reads retry on a busy database and, when cached,
// coalesce through the debouncer. The cooldown stamp covers deliverables whose row is not
// yet visible to a cached read.
type readStore struct {
	e      Engine
	cached bool
}

type taskStats struct {
	count int
	avg   float64
}

func read[T any](ctx context.Context, s readStore, workspaceID, what string, fn func(context.Context) (T, error)) (T, error) {
	op := "read " + what
	retried := func(ctx context.Context) (T, error) {
		return resilience.Retry(ctx, s.e.Retry, func(ctx context.Context) (T, error) {
			v, err := fn(ctx)
			if isBusy(err) {
				return v, resilience.Transient(op, err)
			}
			return v, err
		})
	}
	if !s.cached {
		return retried(ctx)
	}
	return resilience.Debounce(ctx, s.e.Debounce, workspaceID+":"+what, retried)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (s readStore) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return read(ctx, s, id, "workspace", func(ctx context.Context) (domain.Workspace, error) {
		return s.e.Repo.GetWorkspace(ctx, id)
	})
}

func (s readStore) CompletedTaskStats(ctx context.Context, workspaceID string) (int, float64, error) {
	st, err := read(ctx, s, workspaceID, "task_stats", func(ctx context.Context) (taskStats, error) {
		n, avg, err := s.e.Repo.CompletedTaskStats(ctx, workspaceID)
		return taskStats{count: n, avg: avg}, err
	})
	return st.count, st.avg, err
}

func (s readStore) CountDeliverables(ctx context.Context, workspaceID string) (int, error) {
	return read(ctx, s, workspaceID, "deliverable_count", func(ctx context.Context) (int, error) {
		return s.e.Repo.CountDeliverables(ctx, nil, workspaceID)
	})
}

func (s readStore) LastDeliverableAt(ctx context.Context, workspaceID string) (*time.Time, error) {
	last, err := read(ctx, s, workspaceID, "last_deliverable", func(ctx context.Context) (*time.Time, error) {
		ts, err := s.e.Repo.LatestDeliverableAt(ctx, workspaceID)
		if err != nil || ts == nil {
			return nil, err
		}
		t, err := domain.ParseTime(*ts)
		if err != nil {
			return nil, err
		}
		return &t, nil
	})
	if err != nil {
		return nil, err
	}
	if stamped, ok := s.e.Cooldown.Last(workspaceID); ok && (last == nil || stamped.After(*last)) {
		return &stamped, nil
	}
	return last, nil
}

func (s readStore) ListGoals(ctx context.Context, workspaceID string) ([]domain.Goal, error) {
	return read(ctx, s, workspaceID, "goals", func(ctx context.Context) ([]domain.Goal, error) {
		return s.e.Repo.ListGoals(ctx, workspaceID, "")
	})
}
