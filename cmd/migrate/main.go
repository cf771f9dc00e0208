package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"walink/internal/config"
	"walink/internal/constants"
	"walink/internal/migrations"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const usage = `usage: migrate [-driver sqlite3|postgres] [-dsn DSN] <up|down|status|version>

The driver and DSN default to WALINK_DB_DRIVER and WALINK_DB_DSN, read from
the environment or a .env file.`

func main() {
	if err := config.LoadEnvFiles(".env"); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprintln(out, usage) }

	driver := fs.String("driver", envOr(config.EnvDBDriver, constants.DefaultDatabaseDriver), "database driver")
	dsn := fs.String("dsn", envOr(config.EnvDBDSN, constants.DefaultDatabaseDSN), "database DSN")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one command")
	}
	command := fs.Arg(0)

	dialect, err := migrations.Dialect(*driver)
	if err != nil {
		return err
	}
	if dialect == "sqlite3" && *dsn != ":memory:" {
		if _, err := os.Stat(*dsn); os.IsNotExist(err) && command != "up" {
			return fmt.Errorf("database file not found: %s", *dsn)
		}
	}

	db, err := sql.Open(dialect, *dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	switch command {
	case "up":
		if err := migrations.Up(db, *driver, logger); err != nil {
			return err
		}
	case "down":
		if err := migrations.Down(db, *driver, logger); err != nil {
			return err
		}
	case "status":
		return migrations.Status(db, *driver, logger)
	case "version":
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	version, err := migrations.Version(db, *driver)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fmt.Fprintf(out, "Schema version: %d\n", version)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
