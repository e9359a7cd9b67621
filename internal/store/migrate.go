package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/maudeniemann/dish-drop-sub000/internal/store/migrations"
)

// MigratePostgres applies the embedded PostgreSQL migrations to databaseURL.
func MigratePostgres(databaseURL string) error {
	src, err := iofs.New(migrations.Postgres, "postgres")
	if err != nil {
		return fmt.Errorf("open postgres migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(databaseURL))
	if err != nil {
		return fmt.Errorf("init postgres migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply postgres migrations: %w", err)
	}
	return nil
}

// migrateSQLite applies the embedded SQLite migrations on an open handle.
// The migrator is not closed because that would close db.
func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrations.SQLite, "sqlite")
	if err != nil {
		return fmt.Errorf("open sqlite migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init sqlite migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply sqlite migrations: %w", err)
	}
	return nil
}

// pgx5URL rewrites a postgres:// URL to the scheme the migrate pgx driver registers.
func pgx5URL(databaseURL string) string {
	trimmed := strings.TrimSpace(databaseURL)
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(trimmed, prefix) {
			return "pgx5://" + strings.TrimPrefix(trimmed, prefix)
		}
	}
	return trimmed
}
