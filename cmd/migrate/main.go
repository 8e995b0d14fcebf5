// Command migrate manages the relational schema. It applies the *.sql
// files under migrations/ in name order and records them in
// schema_migrations; see internal/infrastructure/database.Migrator.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"github.com/civiclens/capitol-ingest/internal/infrastructure/config"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/database"
)

const migrationsDir = "migrations"

func main() {
	var (
		action = flag.String("action", "up", "migration action: up, down, status, create")
		name   = flag.String("name", "", "migration name (for create action)")
		steps  = flag.Int("steps", 0, "number of migrations to run (0 = all)")
		dbURL  = flag.String("db", "", "database connection string (overrides configuration)")
	)
	flag.Parse()

	logger := slog.Default()

	url := *dbURL
	if url == "" {
		cfg, err := config.Load(nil)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(2)
		}
		url = cfg.Database.URL
	}

	// sql.Open is lazy, so actions that never touch the database, such as
	// create, work without a reachable server.
	db, err := sql.Open("postgres", url)
	if err != nil {
		logger.Error("failed to open database handle", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	migrator := database.NewMigrator(db, migrationsDir, logger)
	ctx := context.Background()

	switch *action {
	case "up":
		err = migrator.Up(ctx, *steps)
	case "down":
		err = migrator.Down(ctx, *steps)
	case "status":
		err = migrator.Status(ctx)
	case "create":
		if *name == "" {
			logger.Error("migration name is required for create action")
			os.Exit(2)
		}
		err = migrator.Create(*name)
	default:
		logger.Error("unknown action", "action", *action)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("migration failed", "action", *action, "error", err)
		os.Exit(1)
	}
}
