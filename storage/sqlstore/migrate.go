package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/schema.sql
var sqliteSchema string

// Migrate brings the schema up to date. Postgres uses versioned golang-migrate
// migrations; SQLite applies the idempotent embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("[sqlstore Migrate] %w", err)
		}
		return nil
	}

	m, err := s.postgresMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("[sqlstore Migrate] checking version: %w", err)
	}
	if dirty {
		return fmt.Errorf("[sqlstore Migrate] database is dirty at version %d, manual intervention required", version)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint("version", version).Msg("database schema is up to date")
			return nil
		}
		return fmt.Errorf("[sqlstore Migrate] applying migrations: %w", err)
	}
	newVersion, _, _ := m.Version()
	log.Info().Uint("from", version).Uint("to", newVersion).Msg("database migrated")
	return nil
}

// MigrationVersion reports the applied Postgres schema version. SQLite is unversioned.
func (s *Store) MigrationVersion() (uint, bool, error) {
	if s.driver == DriverSQLite {
		return 0, false, nil
	}
	m, err := s.postgresMigrator()
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// postgresMigrator runs on its own connection pool because closing the migrator closes
// the database handle it was given.
func (s *Store) postgresMigrator() (*migrate.Migrate, error) {
	db, err := sql.Open(DriverPostgres, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("[sqlstore Migrate] opening database: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[sqlstore Migrate] creating migrate driver: %w", err)
	}
	source, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[sqlstore Migrate] reading migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, DriverPostgres, driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[sqlstore Migrate] creating migrator: %w", err)
	}
	return m, nil
}
