package main

import (
	"MiniPerps/internal/config"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/persistence"
	"MiniPerps/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|rebuild-projections>")
	fmt.Println("  up                   - apply all pending migrations")
	fmt.Println("  down                 - roll back the last migration")
	fmt.Println("  rebuild-projections  - replay the event log into the projection tables")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PERP_POSTGRES_DSN    - Postgres connection string (required)")
	fmt.Println("  PERP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
	fmt.Println("  PERP_CONFIG          - optional YAML config file")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.PostgresURL == "" {
		log.Fatal().Msg("PERP_POSTGRES_DSN is required")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "rebuild-projections":
		last, err := projection.RebuildProjections(ctx, db, log)
		if err != nil {
			log.Fatal().Err(err).Msg("rebuild projections")
		}
		log.Info().Int64("sequence", last).Msg("projections rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
