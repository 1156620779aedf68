package audit

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupAuditDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      TEXT NOT NULL,
		correlation_id TEXT DEFAULT '',
		account_id     TEXT DEFAULT '',
		event_type     TEXT NOT NULL,
		detail         TEXT DEFAULT '{}',
		record_hash    TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}

	return db
}

func TestLogAndVerify(t *testing.T) {
	db := setupAuditDB(t)
	defer db.Close()

	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}

	logger.Log(EventCredentialIssued, "corr-1", "111122223333", map[string]string{"role": "TicketOpsExecutionRole"})
	logger.Log(EventActionApplied, "corr-1", "111122223333", map[string]string{"kind": "compute_start"})
	logger.Log(EventRunCompleted, "corr-1", "111122223333", map[string]string{"status": "SUCCEEDED"})

	valid, count, err := Verify(db)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid {
		t.Error("expected valid chain")
	}
	if count != 3 {
		t.Errorf("expected 3 records, got %d", count)
	}
}

func TestChainTamperDetection(t *testing.T) {
	db := setupAuditDB(t)
	defer db.Close()

	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}

	logger.Log(EventActionApplied, "corr-1", "", map[string]string{"a": "1"})
	logger.Log(EventActionApplied, "corr-1", "", map[string]string{"b": "2"})
	logger.Log(EventActionApplied, "corr-1", "", map[string]string{"c": "3"})

	db.Exec("UPDATE audit_log SET detail = '{\"tampered\":true}' WHERE id = 2")

	valid, _, err := Verify(db)
	if err == nil {
		t.Error("expected error from tampered chain")
	}
	if valid {
		t.Error("expected invalid chain after tampering")
	}
}

func TestAccountTamperDetection(t *testing.T) {
	db := setupAuditDB(t)
	defer db.Close()

	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}

	logger.Log(EventCredentialIssued, "corr-1", "111122223333", map[string]string{"role": "TicketOpsExecutionRole"})
	logger.Log(EventActionApplied, "corr-1", "111122223333", map[string]string{"kind": "compute_stop"})

	// Rewriting which account a record points at must break the chain.
	db.Exec("UPDATE audit_log SET account_id = '999988887777' WHERE id = 2")

	valid, _, err := Verify(db)
	if err == nil {
		t.Error("expected error from tampered account")
	}
	if valid {
		t.Error("expected invalid chain after account tampering")
	}
}

func TestEmptyChainIsValid(t *testing.T) {
	db := setupAuditDB(t)
	defer db.Close()

	valid, count, err := Verify(db)
	if err != nil {
		t.Fatalf("verify empty: %v", err)
	}
	if !valid {
		t.Error("expected empty chain to be valid")
	}
	if count != 0 {
		t.Errorf("expected 0 records, got %d", count)
	}
}

func TestNewLoggerRecoversPreviousHash(t *testing.T) {
	db := setupAuditDB(t)
	defer db.Close()

	logger1, _ := NewLogger(db)
	logger1.Log(EventTriggerCreated, "corr-1", "", map[string]string{"trigger_id": "t-1"})

	// Second logger simulates a process restart.
	logger2, _ := NewLogger(db)
	logger2.Log(EventTriggerFired, "corr-2", "", map[string]string{"trigger_id": "t-1"})

	valid, count, err := Verify(db)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid {
		t.Error("expected valid chain after logger recovery")
	}
	if count != 2 {
		t.Errorf("expected 2 records, got %d", count)
	}
}
