package database

import (
	"database/sql"
	"fmt"
)

// Migration represents a database migration
// ARCHITECTURAL DISCOVERY: Migration struct encapsulates all information needed
// for safe schema evolution
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// Migrations lists every schema migration in application order
// TECHNICAL DISCOVERY: migrations live in code so the binary never depends on
// a migrations directory next to it
var Migrations = []Migration{
	{
		Version:     "001",
		Description: "initial results schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS runs (
				id           TEXT PRIMARY KEY,
				scenario     TEXT NOT NULL,
				target_url   TEXT NOT NULL,
				vus          INTEGER NOT NULL,
				duration     TEXT NOT NULL,
				started_at   DATETIME NOT NULL,
				completed_at DATETIME,
				status       TEXT NOT NULL CHECK (status IN ('running', 'passed', 'failed')),
				passes       INTEGER NOT NULL DEFAULT 0,
				fails        INTEGER NOT NULL DEFAULT 0,
				iterations   INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS iterations (
				id               TEXT PRIMARY KEY,
				run_id           TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				vu               INTEGER NOT NULL,
				started_at       DATETIME NOT NULL,
				ended_at         DATETIME NOT NULL,
				duration_ms      INTEGER NOT NULL,
				handshake_status INTEGER NOT NULL,
				status           TEXT NOT NULL,
				error            TEXT
			);

			CREATE TABLE IF NOT EXISTS checks (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				iteration_id TEXT NOT NULL REFERENCES iterations(id) ON DELETE CASCADE,
				seq          INTEGER NOT NULL,
				name         TEXT NOT NULL,
				passed       INTEGER NOT NULL,
				cause        TEXT,
				recorded_at  DATETIME NOT NULL
			);
		`,
	},
	{
		Version:     "002",
		Description: "query indexes",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
			CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, started_at);
			CREATE INDEX IF NOT EXISTS idx_checks_run_name ON checks(run_id, name);
			CREATE INDEX IF NOT EXISTS idx_checks_iteration ON checks(iteration_id, seq);
		`,
	},
}

// RequiredTables are the tables the store expects after migration
var RequiredTables = []string{"runs", "iterations", "checks", "schema_migrations"}

// RequiredIndexes are the indexes the store's queries rely on
var RequiredIndexes = []string{
	"idx_runs_started_at",
	"idx_iterations_run",
	"idx_checks_run_name",
	"idx_checks_iteration",
}

// MigrationManager handles database migrations
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrationManager creates a migration manager for the built-in migrations
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{
		db:         db,
		migrations: Migrations,
	}
}

// ApplyMigrations applies all pending migrations in version order
// ARCHITECTURAL DISCOVERY: each migration runs in its own transaction together
// with its schema_migrations row, so a failure leaves no partial version
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.AppliedVersions()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w", migration.Version, migration.Description, err)
		}
	}

	return nil
}

// ValidateSchema ensures the database has every required table and index
func (m *MigrationManager) ValidateSchema() error {
	for _, table := range RequiredTables {
		exists, err := m.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	for _, index := range RequiredIndexes {
		exists, err := m.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}

	return nil
}

// AppliedVersions returns the set of applied migration versions
func (m *MigrationManager) AppliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}

	return versions, rows.Err()
}

// createMigrationTable creates the migration tracking table
func (m *MigrationManager) createMigrationTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.Exec(query)
	return err
}

// applyMigration applies a single migration within a transaction
func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }() // TECHNICAL: no-op once committed

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}

// objectExists checks sqlite_master for a table or index
func (m *MigrationManager) objectExists(kind, name string) (bool, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
