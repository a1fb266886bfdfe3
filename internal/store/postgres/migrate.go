package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"

	"github.com/jackmusick/bifrost-core/internal/config"
)

//go:embed migrations/*
var migrationFS embed.FS

// MigrateDB runs the embedded SQL migrations against cfg.Datasource,
// recording applied versions in cfg.Table. Mirrors the teacher's
// migrate.go shape (one muz.Migrate, one postgres driver), but opens its
// own short-lived connection since New's pool isn't configured yet at the
// point migration must run.
func MigrateDB(ctx context.Context, cfg *config.Migrate) error {
	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	table := cfg.Table
	if table == "" {
		table = "migrations"
	}

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    cfg.Values,
	}

	driver := muz.NewPostgresDriver(db, table, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("store postgres migrations applied")

	return nil
}
