package app

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
	"deliverline/internal/repo"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	rt, err := Open(context.Background(), Options{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, config.Default().Pipeline, rt.Config.Pipeline)
	assert.Nil(t, rt.Engine.Generator)
}

func TestResolveConfigLogsClampedValues(t *testing.T) {
	dir := t.TempDir()
	yml := "pipeline:\n  min_completed_tasks: -4\ngeneration:\n  url: http://127.0.0.1:9/generate\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	var buf bytes.Buffer
	cfg, err := ResolveConfig(dir, zerolog.New(&buf))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Pipeline.MinCompletedTasks, cfg.Pipeline.MinCompletedTasks)
	assert.True(t, strings.Contains(buf.String(), "config.clamped"), buf.String())
	assert.Contains(t, buf.String(), "pipeline.min_completed_tasks")
	assert.NotNil(t, NewGenerator(cfg))
}

func TestCreateAPIKeyStoresHashOnly(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rt.Close()

	key, raw, err := CreateAPIKey(ctx, rt.Engine, "svc-review", "review queue")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "dl_"))
	assert.NotEqual(t, raw, key.KeyHash)

	assert.Equal(t, repo.HashAPIKey(raw), key.KeyHash)
	got, err := rt.Engine.Repo.APIKeyForSecret(ctx, " "+raw+"\n")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "svc-review", got.ActorID)

	evs, err := rt.Engine.Repo.ListEvents(ctx, repo.EventFilters{Type: "apikey.created"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, key.ID, evs[0].EntityID)

	_, _, err = CreateAPIKey(ctx, rt.Engine, "", "x")
	assert.Error(t, err)

	require.NoError(t, rt.Engine.Repo.DeleteAPIKey(ctx, nil, key.ID))
	_, err = rt.Engine.Repo.APIKeyForSecret(ctx, raw)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, rt.Engine.Repo.DeleteAPIKey(ctx, nil, key.ID), repo.ErrNotFound)
}
