package db

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one schema change, identified by a sortable version string.
type Migration struct {
	Version string
	SQL     string
}

// Migrator applies embedded migrations in version order, tracking what ran
// in a schema_migrations table.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a new migrator instance
func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
	}
}

// InitializeMigrationsTable creates the migrations tracking table if it doesn't exist
func (m *Migrator) InitializeMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns the versions already recorded
func (m *Migrator) GetAppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// GetPendingMigrations returns unapplied migrations sorted by version
func (m *Migrator) GetPendingMigrations() ([]Migration, error) {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0, len(m.migrations))
	for _, mig := range m.migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
	return pending, nil
}

// ApplyMigration runs a single migration inside a transaction
func (m *Migrator) ApplyMigration(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", mig.Version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", mig.Version, err)
	}
	return tx.Commit()
}

// MigrateUp applies every pending migration in version order
func (m *Migrator) MigrateUp() error {
	if err := m.InitializeMigrationsTable(); err != nil {
		return err
	}

	pending, err := m.GetPendingMigrations()
	if err != nil {
		return err
	}

	for _, mig := range pending {
		if err := m.ApplyMigration(mig); err != nil {
			return err
		}
	}
	return nil
}
