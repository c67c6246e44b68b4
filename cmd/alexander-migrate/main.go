// Package main is the entry point for the Alexander Lifecycle database migration tool.
// This tool applies the PostgreSQL or SQLite schema, including the node shards.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prn-tf/alexander-lifecycle/internal/app"
	"github.com/prn-tf/alexander-lifecycle/internal/config"
	"github.com/prn-tf/alexander-lifecycle/internal/repository/postgres"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// migrator is implemented by the postgres and sqlite databases.
type migrator interface {
	Migrate(ctx context.Context) error
	Version(ctx context.Context) (int, error)
	Close() error
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "version":
		fmt.Printf("Alexander Lifecycle Migration Tool\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

	case "up", "status":
		if err := run(command); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func run(command string) error {
	cfg, err := config.Load(os.Getenv("ALEXANDER_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := app.NewLogger(cfg.Logging)
	ctx := context.Background()

	var db migrator
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgres.NewDB(ctx, cfg.Database, logger)
	case "sqlite":
		db, err = app.OpenSQLite(ctx, cfg.Database, logger)
	default:
		return fmt.Errorf("driver %q has no schema to migrate", cfg.Database.Driver)
	}
	if err != nil {
		return err
	}
	defer db.Close()

	if command == "up" {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	version, err := db.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d (%s, %d node shards)\n", version, cfg.Database.Driver, cfg.Database.ShardCount)
	return nil
}

func printUsage() {
	fmt.Println(`Alexander Lifecycle Migration Tool

Usage:
  alexander-migrate <command>

Commands:
  up          Apply pending migrations and create missing node shards
  status      Show the current schema version
  version     Print version information
  help        Show this help message

Environment Variables:
  ALEXANDER_CONFIG              Path to the config file
  ALEXANDER_DATABASE_DRIVER     postgres or sqlite
  ALEXANDER_DATABASE_PATH       SQLite database file

Examples:
  alexander-migrate up
  ALEXANDER_CONFIG=/etc/alexander/config.yaml alexander-migrate status`)
}
