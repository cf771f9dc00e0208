// Package migrations embeds the Connection Store schema and applies it with goose.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var embedded embed.FS

// Dir is the directory inside the embedded filesystem holding migrations
const Dir = "sql"

// goose keeps its dialect and filesystem in package globals
var gooseMu sync.Mutex

// Dialect maps a database/sql driver name to the goose dialect
func Dialect(driver string) (string, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return "sqlite3", nil
	case "postgres", "pgx":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func prepare(driver string, logger *logrus.Logger) error {
	dialect, err := Dialect(driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if logger != nil {
		goose.SetLogger(logger)
	}
	return nil
}

// Up applies all pending migrations
func Up(db *sql.DB, driver string, logger *logrus.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(driver, logger); err != nil {
		return err
	}
	if err := goose.Up(db, Dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration
func Down(db *sql.DB, driver string, logger *logrus.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(driver, logger); err != nil {
		return err
	}
	if err := goose.Down(db, Dir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Status logs the applied state of every migration
func Status(db *sql.DB, driver string, logger *logrus.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(driver, logger); err != nil {
		return err
	}
	return goose.Status(db, Dir)
}

// Version returns the current schema version
func Version(db *sql.DB, driver string) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := prepare(driver, nil); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}
