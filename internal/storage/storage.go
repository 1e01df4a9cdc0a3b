// Package storage owns the sqlite database and the workspace disk
// quotas. The database backs the cost ledger and the payment audit
// trail; both tables are append-mostly.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle shared by the ledger and audit writers.
type Store struct {
	db      *sql.DB
	dataDir string
}

const schema = `
CREATE TABLE IF NOT EXISTS cost_ledger (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd   REAL NOT NULL,
	task_type  TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_ledger_created ON cost_ledger(created_at);

CREATE TABLE IF NOT EXISTS payment_audit (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	tool_name  TEXT NOT NULL,
	amount_usd REAL NOT NULL,
	currency   TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	type       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	chain      TEXT,
	status     TEXT NOT NULL CHECK (status IN ('pending','executed','failed')),
	refs       TEXT,
	error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_payment_audit_status ON payment_audit(status, created_at);
CREATE INDEX IF NOT EXISTS idx_payment_audit_recipient ON payment_audit(recipient, created_at);
`

// Open creates the data directory if needed, opens the sqlite database
// inside it, and applies migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dataDir, err)
	}
	dsn := filepath.Join(dataDir, "keel.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, dataDir: dataDir}, nil
}

// DB exposes the handle for the ledger and audit writers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Ping checks database liveness. Used by the recovery handler's full
// health report.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
