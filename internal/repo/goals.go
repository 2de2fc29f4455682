package repo

import (
	"context"
	"database/sql"
	"errors"

	"deliverline/internal/domain"
)

const goalColumns = `id,workspace_id,description,metric_type,target_value,current_value,status,priority,created_at,updated_at,completed_at`

func scanGoal(row interface{ Scan(...any) error }) (domain.Goal, error) {
	var g domain.Goal
	var completed sql.NullString
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.Description, &g.MetricType, &g.TargetValue, &g.CurrentValue,
		&g.Status, &g.Priority, &g.CreatedAt, &g.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	g.CompletedAt = stringPtr(completed)
	return g, err
}

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO goals(`+goalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.WorkspaceID, g.Description, g.MetricType, g.TargetValue, g.CurrentValue, g.Status, g.Priority,
		g.CreatedAt, g.UpdatedAt, nullableStringPtr(g.CompletedAt))
	return err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	return r.GetGoalTx(ctx, nil, id)
}

func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Goal, error) {
	return scanGoal(r.q(tx).QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

// ListGoals returns workspace goals ordered by priority then age. An empty status lists all.
func (r Repo) ListGoals(ctx context.Context, workspaceID, status string) ([]domain.Goal, error) {
	return r.ListGoalsTx(ctx, nil, workspaceID, status)
}

func (r Repo) ListGoalsTx(ctx context.Context, tx *sql.Tx, workspaceID, status string) ([]domain.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE workspace_id=?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpdateGoal persists the mutable goal fields.
func (r Repo) UpdateGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE goals SET current_value=?, status=?, priority=?, updated_at=?, completed_at=? WHERE id=?`,
		g.CurrentValue, g.Status, g.Priority, g.UpdatedAt, nullableStringPtr(g.CompletedAt), g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
