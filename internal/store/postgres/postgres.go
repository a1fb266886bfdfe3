// Package postgres is the repository layer over the bifrost-core schema
// (spec §3, §4.3): entities, config_entries, file_index, workflow_access,
// executions and api_keys. It follows the teacher's store/postgres idiom —
// goqu for query building, database/sql for execution, UUIDs for row
// identity, AES-256-GCM for secret-typed configuration values.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackmusick/bifrost-core/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "bifrost_"
)

// Postgres is the repository layer's connection and table registry.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableEntities       exp.IdentifierExpression
	tableConfigEntries  exp.IdentifierExpression
	tableFileIndex      exp.IdentifierExpression
	tableWorkflowAccess exp.IdentifierExpression
	tableExecutions     exp.IdentifierExpression
	tableAPIKeys        exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt secret-typed
	// configuration values. nil means encryption is disabled. Protected by
	// encKeyMu so a key-rotation broadcast (internal/cluster) is race-free
	// against concurrent config reads/writes.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                  db,
		goqu:                dbGoqu,
		tableEntities:       goqu.T(tablePrefix + "entities"),
		tableConfigEntries:  goqu.T(tablePrefix + "config_entries"),
		tableFileIndex:      goqu.T(tablePrefix + "file_index"),
		tableWorkflowAccess: goqu.T(tablePrefix + "workflow_access"),
		tableExecutions:     goqu.T(tablePrefix + "executions"),
		tableAPIKeys:        goqu.T(tablePrefix + "api_keys"),
		encKey:              encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// DB exposes the raw connection for callers that must span several
// repository calls in one transaction (e.g. reconciling discovered
// entities and their workflow_access rows together, spec §4.3, §4.11).
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) encryptionKey() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()
	return p.encKey
}

// SetEncryptionKey updates the in-memory encryption key without
// re-encrypting stored rows. Used by peer instances when they receive a key
// rotation broadcast from internal/cluster; the instance that performed the
// actual rotation calls RotateEncryptionKey instead (see config_entries.go).
func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}
