package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations/sqlite
var sqliteMigrations embed.FS

//go:embed all:migrations/postgres
var postgresMigrations embed.FS

// runMigrations executes all pending migrations over conn, the way the
// teacher's runMigrations drives golang-migrate off an embedded source
// per dialect. It opens its own driver.Instance over the caller's
// connection rather than a second connection, so there is only ever one
// pool talking to the database.
func runMigrations(conn *sql.DB, dbType string) error {
	m, err := newMigrator(conn, dbType)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Migrations returns the embedded migration source tree for dbType
// ("sqlite" or "postgres"), rooted so migration filenames are at its top
// level. Exported for cmd/migrate, which drives golang-migrate directly
// against a DSN outside of normal server startup.
func Migrations(dbType string) (fs.FS, error) {
	switch dbType {
	case "sqlite":
		return fs.Sub(sqliteMigrations, "migrations/sqlite")
	case "postgres":
		return fs.Sub(postgresMigrations, "migrations/postgres")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// newMigrator builds a *migrate.Migrate bound to conn using the embedded
// migration source matching dbType.
func newMigrator(conn *sql.DB, dbType string) (*migrate.Migrate, error) {
	migrationFS, err := Migrations(dbType)
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	source, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch dbType {
	case "sqlite":
		driver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	case "postgres":
		driver, err = migratepostgres.WithInstance(conn, &migratepostgres.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", dbType, err)
	}

	return migrate.NewWithInstance("iofs", source, dbType, driver)
}
