package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/events"
	"deliverline/internal/generation"
	"deliverline/internal/migrate"
	"deliverline/internal/repo"
)

// Options selects the data directory and process-wide collaborators.
type Options struct {
	DataDir string
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Runtime owns the database connection behind an engine.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Open loads the config, migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts.DataDir, opts.Logger)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{DataDir: opts.DataDir})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg, engine.Options{
		Generator: NewGenerator(cfg),
		Now:       opts.Now,
		Logger:    opts.Logger,
	})
	return &Runtime{DB: conn, Config: cfg, Engine: e}, nil
}

// ResolveConfig reads deliverline.yml from the data directory, falling back to defaults.
// Clamped values are logged, never fatal.
func ResolveConfig(dataDir string, logger zerolog.Logger) (*config.Config, error) {
	cfg, warns, err := config.LoadOptional(dataDir)
	if err != nil {
		return nil, err
	}
	for _, w := range warns {
		logger.Warn().Str("field", w.Field).Interface("value", w.Value).Interface("used", w.Used).Msg("config.clamped")
	}
	return cfg, nil
}

// NewGenerator returns the configured generation client, or nil when no URL is set.
func NewGenerator(cfg *config.Config) generation.Generator {
	if cfg == nil || cfg.Generation.URL == "" {
		return nil
	}
	return generation.NewHTTPClient(cfg.Generation.URL, cfg.Generation.Token, cfg.GenerationTimeout())
}

// CreateAPIKey mints a key for actorID and stores only its hash. The raw key is returned once.
func CreateAPIKey(ctx context.Context, e engine.Engine, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor id required")
	}
	raw, err := newRawKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        "key-" + uuid.NewString()[:8],
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: domain.FormatTime(e.Now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actorID,
		events.Payload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

func newRawKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dl_" + hex.EncodeToString(buf), nil
}
