package core

import (
	"path/filepath"
	"testing"

	"github.com/ticketops-framework/ticketops/internal/config"
)

func testEngineConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

func TestOpenCreatesDataDirAndDatabases(t *testing.T) {
	cfg := testEngineConfig(t)

	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer engine.Close()

	if engine.MetadataDB == nil || engine.AuditDB == nil {
		t.Fatal("databases not opened")
	}
	if engine.AuditLogger == nil {
		t.Fatal("audit logger not created")
	}

	var name string
	err = engine.MetadataDB.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='action_runs'",
	).Scan(&name)
	if err != nil {
		t.Errorf("action_runs table missing: %v", err)
	}
}

func TestEngineReopen(t *testing.T) {
	cfg := testEngineConfig(t)

	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	engine.AuditLogger.Log("run_completed", "corr-1", "111122223333", map[string]string{"status": "SUCCEEDED"})
	engine.Close()

	// Reopen against the same data directory; the audit chain continues.
	engine2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer engine2.Close()

	var count int
	if err := engine2.AuditDB.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("audit records = %d", count)
	}
}

func TestEngineClose(t *testing.T) {
	engine, err := Open(testEngineConfig(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("close error: %v", err)
	}
}
