package db_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/clinicsync/internal/db"
)

func TestRequiresMigrationError(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.Open(db.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	// Record only the first migration as applied
	_, err = database.Exec(`
		CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	if err != nil {
		t.Fatalf("could not create schema_migrations: %v", err)
	}

	_, err = database.Exec(`INSERT INTO schema_migrations (version) VALUES ('000001_persons.sql')`)
	if err != nil {
		t.Fatalf("could not insert migration: %v", err)
	}

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error, got nil")
	}

	errStr := migErr.Error()
	t.Logf("Error message: %s", errStr)

	if !strings.Contains(errStr, dbPath) {
		t.Errorf("error should contain db path '%s', got: %s", dbPath, errStr)
	}
	if !strings.Contains(errStr, "000001_persons.sql") {
		t.Errorf("error should contain version '000001_persons.sql', got: %s", errStr)
	}
	if !strings.Contains(errStr, "1 pending migration") {
		t.Errorf("error should mention one pending migration, got: %s", errStr)
	}
	if !strings.Contains(errStr, "clinicsync migrate") {
		t.Errorf("error should suggest 'clinicsync migrate', got: %s", errStr)
	}
}

func TestRequiresMigrationErrorFreshDB(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.Open(db.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error for fresh db, got nil")
	}

	errStr := migErr.Error()
	if !strings.Contains(errStr, "version: none") {
		t.Errorf("fresh db error should contain 'version: none', got: %s", errStr)
	}
	if !strings.Contains(errStr, dbPath) {
		t.Errorf("error should contain db path '%s', got: %s", dbPath, errStr)
	}
}

func TestRequiresMigrationErrorFullyMigrated(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.Open(db.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	applied, err := database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("could not run migrations: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %v", applied)
	}

	if migErr := database.RequiresMigrationError(); migErr != nil {
		t.Errorf("expected nil for fully migrated db, got: %v", migErr)
	}

	// A second run applies nothing
	again, err := database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no migrations on re-run, got %v", again)
	}
}
