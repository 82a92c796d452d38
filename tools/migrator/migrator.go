// Package migrator applies numbered SQL migrations to a database.
package migrator

import (
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
)

// RunMigrations applies all pending migrations found in fsys.
// driver is the database/sql driver name ("sqlite3" or "pgx").
func RunMigrations(db *sql.DB, driver string, fsys fs.FS) error {
	if err := createSchemaTable(db); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	if err := acquireLock(db, driver); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(db, driver)

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	// History only moves forward: a pending migration older than the
	// newest applied one means the database and the binary disagree.
	for _, m := range pending {
		if m.Version < maxApplied {
			return fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	for _, migration := range pending {
		for _, dep := range migration.Dependencies {
			if !appliedSet[dep] {
				return fmt.Errorf("migration %d depends on version %d which has not been applied", migration.Version, dep)
			}
		}

		if err := applyMigration(db, driver, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		appliedSet[migration.Version] = true
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version,
// or 0 when nothing has been applied.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns all applied migration versions, sorted.
func GetAppliedMigrations(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

func createSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration executes one migration and records it in schema_migrations.
func applyMigration(db *sql.DB, driver string, migration Migration) error {
	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"

	if migration.NoTransaction {
		if _, err := db.Exec(migration.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := db.Exec(record, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(migration.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.Exec(record, migration.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func placeholder(driver string, n int) string {
	if driver == "pgx" || driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Postgres needs an advisory lock so two instances starting together do
// not race; SQLite's file lock already serialises writers.
const advisoryLockID = 0x64726f70

func acquireLock(db *sql.DB, driver string) error {
	if driver == "pgx" || driver == "postgres" {
		_, err := db.Exec("SELECT pg_advisory_lock($1)", advisoryLockID)
		return err
	}
	return nil
}

func releaseLock(db *sql.DB, driver string) error {
	if driver == "pgx" || driver == "postgres" {
		_, err := db.Exec("SELECT pg_advisory_unlock($1)", advisoryLockID)
		return err
	}
	return nil
}
