// Package db provides SQLite database management for the orchestrator.
// Two databases per data directory: ticketops.db (scheduled triggers and
// run records) and ticketops-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	MetadataDBFile = "ticketops.db"
	AuditDBFile    = "ticketops-audit.db"
)

// MetadataSchema defines all tables for the main database.
const MetadataSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- Durable deferred-execution triggers. The one piece of state shared
-- across process invocations; rows are independent, created and deleted
-- as atomic single-record operations.
CREATE TABLE IF NOT EXISTS scheduled_triggers (
    trigger_id      TEXT PRIMARY KEY,
    fire_at         TEXT NOT NULL,
    account_id      TEXT NOT NULL,
    request         TEXT NOT NULL,  -- serialized ActionRequest (JSON)
    schedule_name   TEXT DEFAULT '',
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_triggers_fire_at ON scheduled_triggers(fire_at);
CREATE INDEX IF NOT EXISTS idx_triggers_account ON scheduled_triggers(account_id);

-- One row per orchestrator run: the persisted Outcome plus request echo.
CREATE TABLE IF NOT EXISTS action_runs (
    correlation_id  TEXT PRIMARY KEY,
    ticket_id       TEXT DEFAULT '',
    account_id      TEXT NOT NULL,
    action_kind     TEXT NOT NULL,
    request         TEXT NOT NULL,   -- serialized ActionRequest (JSON)
    status          TEXT NOT NULL,
    applied_steps   TEXT DEFAULT '[]',
    error_detail    TEXT DEFAULT '',
    trigger_id      TEXT DEFAULT '',
    started_at      TEXT NOT NULL,
    completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_ticket ON action_runs(ticket_id);
CREATE INDEX IF NOT EXISTS idx_runs_account ON action_runs(account_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON action_runs(status);
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    correlation_id  TEXT DEFAULT '',
    account_id      TEXT DEFAULT '',
    event_type      TEXT NOT NULL,
    detail          TEXT DEFAULT '{}',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`

// OpenMetadataDB opens or creates the metadata database in dataDir.
func OpenMetadataDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, MetadataDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	if _, err := db.Exec(MetadataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return db, nil
}

// OpenAuditDB opens or creates the append-only audit database in dataDir.
func OpenAuditDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, AuditDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureDataDir creates the data directory with owner-only permissions.
func EnsureDataDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
