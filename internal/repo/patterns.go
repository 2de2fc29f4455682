package repo

import (
	"context"
	"database/sql"

	"deliverline/internal/domain"
)

// RecordPattern bumps the (type -> goal) attribution counter.
func (r Repo) RecordPattern(ctx context.Context, tx *sql.Tx, workspaceID, deliverableType, goalID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO learned_patterns(workspace_id,deliverable_type,goal_id,count,last_seen_at) VALUES (?,?,?,1,?)
ON CONFLICT(workspace_id,deliverable_type,goal_id) DO UPDATE SET count=count+1, last_seen_at=excluded.last_seen_at`,
		workspaceID, deliverableType, goalID, now)
	return err
}

func (r Repo) ListPatterns(ctx context.Context, workspaceID string) ([]domain.LearnedPattern, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workspace_id,deliverable_type,goal_id,count,last_seen_at FROM learned_patterns
WHERE workspace_id=? ORDER BY count DESC, last_seen_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LearnedPattern
	for rows.Next() {
		var p domain.LearnedPattern
		if err := rows.Scan(&p.WorkspaceID, &p.DeliverableType, &p.GoalID, &p.Count, &p.LastSeenAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
