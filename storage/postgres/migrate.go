package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateUp applies all pending schema migrations. An up-to-date schema is not
// an error.
func MigrateUp(connString string) error {
	m, err := newMigrator(connString)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func MigrateDown(connString string) error {
	m, err := newMigrator(connString)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current schema version; dirty reports a
// migration that failed halfway.
func MigrationVersion(connString string) (version uint, dirty bool, err error) {
	m, err := newMigrator(connString)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m)

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(connString string) (*migrate.Migrate, error) {
	if connString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(connString))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) {
	_, _ = m.Close()
}

// migrationURL rewrites a postgres:// URL to the scheme of the pgx/v5
// migrate driver.
func migrationURL(connString string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(connString, prefix) {
			return "pgx5://" + strings.TrimPrefix(connString, prefix)
		}
	}
	return connString
}
