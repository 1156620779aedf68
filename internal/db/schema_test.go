package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMetadataDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("OpenMetadataDB: %v", err)
	}
	defer db.Close()

	tables := []string{"scheduled_triggers", "action_runs"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, MetadataDBFile)); err != nil {
		t.Errorf("DB file not created: %v", err)
	}
}

func TestOpenAuditDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenAuditDB(dir)
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='audit_log'",
	).Scan(&name)
	if err != nil {
		t.Error("audit_log table not found")
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if err := EnsureDataDir(dir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
}
