package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending up migration embedded in this binary,
// grounded on the teacher's embed.FS migration runner
// (system/platform/migrations/migrations.go) but driven by golang-migrate/v4
// instead of a hand-rolled lexical-order SQL executor, since golang-migrate
// is already a direct dependency and tracks applied versions in the database
// rather than re-running idempotent DDL on every boot.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("fleet/postgres: loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("fleet/postgres: opening migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("fleet/postgres: applying migrations: %w", err)
	}
	return nil
}
