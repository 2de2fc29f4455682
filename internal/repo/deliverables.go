package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deliverline/internal/domain"
)

const deliverableColumns = `id,workspace_id,goal_id,title,type,content_json,status,business_value_score,readiness_score,match_method,match_confidence,match_reasoning,created_at`

func scanDeliverable(row interface{ Scan(...any) error }) (domain.Deliverable, error) {
	var d domain.Deliverable
	var goalID, method, reasoning sql.NullString
	var content string
	err := row.Scan(&d.ID, &d.WorkspaceID, &goalID, &d.Title, &d.Type, &content, &d.Status, &d.BusinessValueScore,
		&d.ReadinessScore, &method, &d.MatchConfidence, &reasoning, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.GoalID = stringPtr(goalID)
	d.MatchMethod = method.String
	d.MatchReasoning = reasoning.String
	if content != "" {
		if err := json.Unmarshal([]byte(content), &d.Content); err != nil {
			return d, fmt.Errorf("decode deliverable %s content: %w", d.ID, err)
		}
	}
	return d, nil
}

// InsertDeliverable stores d. A row with the same (workspace_id, goal_id, title) yields ErrDuplicate.
func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	if d.Content == nil {
		d.Content = map[string]any{}
	}
	content, err := json.Marshal(d.Content)
	if err != nil {
		return fmt.Errorf("encode deliverable content: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO deliverables(`+deliverableColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.WorkspaceID, nullableStringPtr(d.GoalID), d.Title, d.Type, string(content), d.Status, d.BusinessValueScore,
		d.ReadinessScore, nullable(d.MatchMethod), d.MatchConfidence, nullable(d.MatchReasoning), d.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("deliverable %q: %w", d.Title, ErrDuplicate)
	}
	return err
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	return scanDeliverable(r.DB.QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id))
}

func (r Repo) GetDeliverableTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	return scanDeliverable(r.q(tx).QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id))
}

func (r Repo) ListDeliverables(ctx context.Context, workspaceID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE workspace_id=? ORDER BY created_at ASC, id ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDeliverables(ctx context.Context, tx *sql.Tx, workspaceID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM deliverables WHERE workspace_id=?`, workspaceID).Scan(&n)
	return n, err
}

// LatestDeliverableAt returns the creation time of the newest deliverable, or nil if none exist.
func (r Repo) LatestDeliverableAt(ctx context.Context, workspaceID string) (*string, error) {
	var ts sql.NullString
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(created_at) FROM deliverables WHERE workspace_id=?`, workspaceID).Scan(&ts); err != nil {
		return nil, err
	}
	return stringPtr(ts), nil
}

// UpdateDeliverableGoal overrides the goal attribution of a deliverable.
func (r Repo) UpdateDeliverableGoal(ctx context.Context, tx *sql.Tx, id string, goalID *string, method, reasoning string, confidence float64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE deliverables SET goal_id=?, match_method=?, match_reasoning=?, match_confidence=? WHERE id=?`,
		nullableStringPtr(goalID), method, nullable(reasoning), confidence, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("deliverable %s: %w", id, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
