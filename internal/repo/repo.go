package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"deliverline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set so callers holding a transaction never touch the pool.
func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const workspaceColumns = `id,name,status,created_at,updated_at,deleted_at`

func scanWorkspace(row interface{ Scan(...any) error }) (domain.Workspace, error) {
	var w domain.Workspace
	var deleted sql.NullString
	err := row.Scan(&w.ID, &w.Name, &w.Status, &w.CreatedAt, &w.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	w.DeletedAt = stringPtr(deleted)
	return w, err
}

func (r Repo) InsertWorkspace(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workspaces(id,name,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, w.Status, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %s: %w", w.ID, ErrDuplicate)
	}
	return err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return r.GetWorkspaceTx(ctx, nil, id)
}

func (r Repo) GetWorkspaceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workspace, error) {
	return scanWorkspace(r.q(tx).QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=?`, id))
}

func (r Repo) ListWorkspaces(ctx context.Context, includeDeleted bool) ([]domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces`
	if !includeDeleted {
		query += ` WHERE status <> 'deleted'`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWorkspaceStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	var deletedAt any
	if status == domain.WorkspaceDeleted {
		deletedAt = now
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workspaces SET status=?, updated_at=?, deleted_at=COALESCE(deleted_at, ?) WHERE id=?`,
		status, now, deletedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
