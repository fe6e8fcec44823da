package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"junior.app/backend/internal/logger"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// migrateUp applies every pending migration for the dialect. The migrate
// instance is intentionally left open since closing it closes db.
func migrateUp(db *sql.DB, d dialect) error {
	var (
		driver database.Driver
		dir    string
		err    error
	)

	switch d.(type) {
	case sqliteDialect:
		dir = "migrations/sqlite"
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case postgresDialect:
		dir = "migrations/postgres"
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return fmt.Errorf("no migrations for dialect %s", d.name())
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.name(), driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("Database schema ready", map[string]interface{}{
		"dialect": d.name(),
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
