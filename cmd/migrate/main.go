// Command migrate applies or inspects waitline's schema migrations
// outside of normal server startup (OpenDB already runs pending
// migrations automatically; this tool exists for ops to roll back or
// check status without booting the whole process), mirroring the
// teacher's standalone cmd/migrate tool.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/rjsadow/waitline/internal/store"
)

func main() {
	dbType := flag.String("type", "sqlite", "Database type: sqlite or postgres")
	dsn := flag.String("dsn", "waitline.db", "Database DSN (file path for sqlite, connection string for postgres)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate -type sqlite|postgres -dsn <dsn> [up|down|status]")
		os.Exit(1)
	}
	command := flag.Arg(0)

	driverName := *dbType
	conn, err := sql.Open(driverName, *dsn)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	m, err := newMigrator(conn, *dbType)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("migration failed: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("rollback failed: %v", err)
		}
		fmt.Println("rolled back one migration")
	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("failed to read migration status: %v", err)
		}
		fmt.Printf("version: %d, dirty: %v\n", version, dirty)
	default:
		fmt.Printf("unknown command: %s\n", command)
		fmt.Println("Usage: migrate -type sqlite|postgres -dsn <dsn> [up|down|status]")
		os.Exit(1)
	}
}

// newMigrator mirrors the dialect-switch store.OpenDB uses internally,
// reusing the same embedded migration sources via store.Migrations.
func newMigrator(conn *sql.DB, dbType string) (*migrate.Migrate, error) {
	migrationFS, err := store.Migrations(dbType)
	if err != nil {
		return nil, err
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
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", dbType, err)
	}

	return migrate.NewWithInstance("iofs", source, dbType, driver)
}
