package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "deliverline.db"

type Config struct {
	DataDir string
}

func dbPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, ".deliverline", defaultDBName)
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir(dataDir string) (string, error) {
	path := filepath.Join(dataDir, ".deliverline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. A single connection serializes
// writers so that concurrent pipeline runs never see SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.DataDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the data directory.
func Path(dataDir string) string {
	return dbPath(dataDir)
}
