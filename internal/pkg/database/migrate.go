package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/finreport/finreport/internal/pkg/env"
)

// MigrationURL is the golang-migrate connection string for the configured database.
func MigrationURL() string {
	return "mysql://" + DSN() + "&multiStatements=true"
}

// NewMigrator opens the SQL migrations under dir against the configured database.
func NewMigrator(dir string) (*migrate.Migrate, error) {
	if dir == "" {
		dir = env.GetEnv("MIGRATIONS_DIR", "migrations")
	}
	m, err := migrate.New("file://"+dir, MigrationURL())
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations. It reports false when nothing changed.
func MigrateUp(m *migrate.Migrate) (bool, error) {
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
