package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	latest, err := Latest()
	require.NoError(t, err)
	require.Greater(t, latest, 0)

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, Migrate(conn))

	v, err = Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"workspaces", "goals", "tasks", "deliverables", "insights", "events", "api_keys"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}
