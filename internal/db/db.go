package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Config struct {
	// StateDir holds per-node database files. Defaults to ./dbs.
	StateDir string
	// PeerID selects this node's database file.
	PeerID string
	// Path, when set, overrides the derived location entirely.
	Path string
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	dir := cfg.StateDir
	if dir == "" {
		dir = "dbs"
	}
	return filepath.Join(dir, fmt.Sprintf("federator_%s.db", cfg.PeerID))
}

// EnsureStateDir creates the directory holding the database file.
func EnsureStateDir(cfg Config) error {
	return os.MkdirAll(filepath.Dir(dbPath(cfg)), 0o755)
}

// Open opens the node's SQLite database with WAL journaling. The ledger is
// accessed concurrently by the receiver and the sending path, so writes go
// through a single pooled handle with busy waiting instead of failing on lock
// contention.
func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureStateDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the resolved database path for cfg.
func Path(cfg Config) string {
	return dbPath(cfg)
}
