package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deliverline/internal/domain"
)

const taskColumns = `id,workspace_id,goal_id,name,agent_role,status,quality_score,decision,output,contribution,deliverable_id,correction_of,created_at,updated_at,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var goalID, role, decision, output, deliverableID, correctionOf, completed sql.NullString
	var quality sql.NullFloat64
	err := row.Scan(&t.ID, &t.WorkspaceID, &goalID, &t.Name, &role, &t.Status, &quality, &decision, &output,
		&t.Contribution, &deliverableID, &correctionOf, &t.CreatedAt, &t.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.GoalID = stringPtr(goalID)
	t.AgentRole = role.String
	t.Decision = decision.String
	t.Output = output.String
	t.DeliverableID = stringPtr(deliverableID)
	t.CorrectionOf = stringPtr(correctionOf)
	t.CompletedAt = stringPtr(completed)
	if quality.Valid {
		q := quality.Float64
		t.QualityScore = &q
	}
	return t, nil
}

func taskArgs(t domain.Task) []any {
	return []any{t.ID, t.WorkspaceID, nullableStringPtr(t.GoalID), t.Name, nullable(t.AgentRole), t.Status,
		nullableFloatPtr(t.QualityScore), nullable(t.Decision), nullable(t.Output), t.Contribution,
		nullableStringPtr(t.DeliverableID), nullableStringPtr(t.CorrectionOf), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt)}
}

// UpsertTask inserts the task or replaces every column of an existing row with the same id.
func (r Repo) UpsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET goal_id=excluded.goal_id, name=excluded.name, agent_role=excluded.agent_role,
  status=excluded.status, quality_score=excluded.quality_score, decision=excluded.decision, output=excluded.output,
  contribution=excluded.contribution, updated_at=excluded.updated_at, completed_at=excluded.completed_at`, taskArgs(t)...)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	WorkspaceID string
	Status      string
	GoalID      string
	Decision    string
	// ExcludeDecision drops tasks with this gate decision.
	ExcludeDecision string
	// Unaggregated restricts to tasks not yet folded into a deliverable.
	Unaggregated bool
	Limit        int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return r.ListTasksTx(ctx, nil, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{f.WorkspaceID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.GoalID != "" {
		clauses = append(clauses, "goal_id=?")
		args = append(args, f.GoalID)
	}
	if f.Decision != "" {
		clauses = append(clauses, "decision=?")
		args = append(args, f.Decision)
	}
	if f.ExcludeDecision != "" {
		clauses = append(clauses, "(decision IS NULL OR decision<>?)")
		args = append(args, f.ExcludeDecision)
	}
	if f.Unaggregated {
		clauses = append(clauses, "deliverable_id IS NULL")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY COALESCE(completed_at, created_at) ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompletedTaskStats counts every task in a workspace that went through the quality gate,
// whatever its decision, and averages the quality scores among them that carry one.
// Pending correction tasks have no decision yet and are not counted.
func (r Repo) CompletedTaskStats(ctx context.Context, workspaceID string) (int, float64, error) {
	var count int
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), AVG(quality_score) FROM tasks WHERE workspace_id=? AND decision IS NOT NULL`,
		workspaceID).Scan(&count, &avg)
	if err != nil {
		return 0, 0, err
	}
	return count, avg.Float64, nil
}

// MarkTasksAggregated links tasks to the deliverable built from them.
func (r Repo) MarkTasksAggregated(ctx context.Context, tx *sql.Tx, deliverableID, now string, taskIDs []string) error {
	for _, id := range taskIDs {
		if _, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET deliverable_id=?, updated_at=? WHERE id=? AND deliverable_id IS NULL`,
			deliverableID, now, id); err != nil {
			return err
		}
	}
	return nil
}
