package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"deliverline/internal/domain"
)

const apiKeyColumns = `id,actor_id,name,key_hash,created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := row.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	k.Name = name.String
	return k, err
}

// HashAPIKey is the digest stored in place of a raw key. Surrounding whitespace is ignored.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	if k.ID == "" || k.ActorID == "" || k.KeyHash == "" || k.CreatedAt == "" {
		return fmt.Errorf("api key %q: id, actor_id, key_hash and created_at are required", k.ID)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("api key %s: %w", k.ID, ErrDuplicate)
	}
	return err
}

// APIKeyForSecret resolves a raw key presented by a client.
func (r Repo) APIKeyForSecret(ctx context.Context, secret string) (domain.APIKey, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.APIKey{}, ErrNotFound
	}
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, HashAPIKey(secret)))
}

func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}
