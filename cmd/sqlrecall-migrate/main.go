package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/config"
	"github.com/sqlrecall/sqlrecall/internal/migrations"
	"github.com/sqlrecall/sqlrecall/internal/observability"
	patternspostgres "github.com/sqlrecall/sqlrecall/internal/patterns/postgres"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlrecall-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.Driver != config.StoreDriverPostgres {
		fmt.Fprintf(os.Stderr, "migrations apply to the postgres pattern store; SQLRECALL_STORE_DRIVER is %q\n", cfg.Store.Driver)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := observability.NewLogger(cfg, os.Stderr)

	db, err := patternspostgres.Open(ctx, patternspostgres.DBConfig{
		DSN:             cfg.Store.PostgresDSN,
		ApplicationName: cfg.Service.Name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner().WithLogger(logger)
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		versions, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, version := range versions {
			state := "pending"
			if version.Applied {
				state = "applied " + version.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%06d %-32s %s\n", version.Version, version.Name, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
