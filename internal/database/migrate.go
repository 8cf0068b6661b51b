package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

func migrateSQLite(conn *sql.DB) error {
	driver, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	return runMigrations(driver, "migrations/sqlite", DriverSQLite)
}

func migratePostgres(conn *sql.DB) error {
	driver, err := postgresDriver(conn)
	if err != nil {
		return err
	}
	defer driver.Close()
	return runMigrations(driver, "migrations/postgres", DriverPostgres)
}

// postgresDriver pins one pool connection for migrate. Closing the driver
// returns that connection without closing the pool.
func postgresDriver(db *sql.DB) (database.Driver, error) {
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring migrate connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating postgres migrate driver: %w", err)
	}
	return driver, nil
}

// runMigrations applies pending migrations. The migrate instance is not
// closed because the sqlite driver would close the shared *sql.DB.
func runMigrations(driver database.Driver, dir, name string) error {
	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("creating iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (db *DB) SchemaVersion() (uint, bool, error) {
	var (
		driver database.Driver
		err    error
		dir    string
	)
	if db.driver == DriverPostgres {
		driver, err = postgresDriver(db.conn)
		if err == nil {
			defer driver.Close()
		}
		dir = "migrations/postgres"
	} else {
		driver, err = sqlite.WithInstance(db.conn, &sqlite.Config{})
		dir = "migrations/sqlite"
	}
	if err != nil {
		return 0, false, fmt.Errorf("creating migrate driver: %w", err)
	}

	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		return 0, false, fmt.Errorf("creating iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, db.driver, driver)
	if err != nil {
		return 0, false, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m.Version()
}
