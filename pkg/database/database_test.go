package database

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Functional Validation Tests - Config

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.DatabasePath != "./matchprobe.db" {
		t.Errorf("Expected DatabasePath './matchprobe.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime != time.Minute*10 {
		t.Errorf("Expected ConnMaxIdleTime 10 minutes, got %v", config.ConnMaxIdleTime)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid, got %v", err)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty path", func(c *Config) { c.DatabasePath = "" }, true},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, true},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	config := &Config{DatabasePath: "/tmp/x.db"}
	dsn := config.DSN()
	if !strings.HasPrefix(dsn, "/tmp/x.db?") {
		t.Errorf("DSN should start with the path, got %s", dsn)
	}
	if !strings.Contains(dsn, "_foreign_keys=on") {
		t.Errorf("DSN should enable foreign keys, got %s", dsn)
	}
}

// Functional Validation Tests - Migrations

func TestMigrations_OrderedAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for _, m := range Migrations {
		if seen[m.Version] {
			t.Errorf("Duplicate migration version %s", m.Version)
		}
		if m.Version <= prev {
			t.Errorf("Migration %s out of order after %s", m.Version, prev)
		}
		seen[m.Version] = true
		prev = m.Version
	}
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)

	if err := manager.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if err := manager.ValidateSchema(); err != nil {
		t.Errorf("ValidateSchema failed after migration: %v", err)
	}

	applied, err := manager.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(applied) != len(Migrations) {
		t.Errorf("Expected %d applied migrations, got %d", len(Migrations), len(applied))
	}

	// Re-applying is a no-op
	if err := manager.ApplyMigrations(); err != nil {
		t.Errorf("Second ApplyMigrations failed: %v", err)
	}
}

func TestMigrationManager_ValidateSchemaBeforeMigration(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db).ValidateSchema(); err == nil {
		t.Error("ValidateSchema should fail on an empty database")
	}
}

func TestMigrationManager_FailedMigrationNotRecorded(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)
	manager.migrations = []Migration{
		{Version: "001", Description: "broken", SQL: "CREATE TABLE broken (;"},
	}

	if err := manager.ApplyMigrations(); err == nil {
		t.Fatal("Expected broken migration to fail")
	}
	applied, err := manager.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if applied["001"] {
		t.Error("Failed migration must not be recorded as applied")
	}
}

func TestSchema_RunStatusConstraint(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	_, err := db.Exec(`INSERT INTO runs (id, scenario, target_url, vus, duration, started_at, status)
		VALUES ('r1', 's', 'ws://x/ws', 1, '1s', ?, 'bogus')`, time.Now())
	if err == nil {
		t.Error("Expected CHECK constraint to reject an unknown run status")
	}
}

func TestDatabase_SQLiteOptimizations(t *testing.T) {
	db := openTestDB(t)
	if err := ApplySQLiteOptimizations(db); err != nil {
		t.Fatalf("ApplySQLiteOptimizations failed: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Errorf("Expected WAL journal mode, got %s", mode)
	}
}
