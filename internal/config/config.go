// Package config loads bifrost-core's process configuration: ports, data
// store DSNs, Redis/queue/object-storage endpoints, the workspace root and
// its watch parameters, and the worker pool's tuning knobs. It follows the
// teacher's `internal/config` idiom exactly — `rakunlabs/chu` for loading,
// `rakunlabs/logi` for the resulting log level, `rakunlabs/tell` for
// telemetry — with the LLM-gateway-specific sections replaced by
// bifrost-core's own domain config (spec §10, §11).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/objectstore"
	"github.com/jackmusick/bifrost-core/internal/queue"
)

var Service = ""

// Config is the whole process's bootstrap configuration (spec §10
// "Configuration loading"). It is distinct from the data-model
// configuration entries resolved at request time by
// internal/configresolver — this struct only boots the process.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server      Server             `cfg:"server"`
	Store       Store              `cfg:"store"`
	Redis       cache.Config       `cfg:"redis"`
	ObjectStore objectstore.Config `cfg:"object_store"`
	Queue       queue.Config       `cfg:"queue"`
	Workspace   Workspace          `cfg:"workspace"`
	Worker      Worker             `cfg:"worker"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an
	// external authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects the admin endpoints (key rotation,
	// api-key management) with bearer token authentication. If not set,
	// those endpoints are disabled (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name carrying the authenticated user's
	// identity, populated by the forward-auth middleware.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// coordinating encryption-key rotation and workspace-watcher/cron-
	// scheduler leader election across replicas.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for secret-typed
	// configuration entries (spec §4.2, §4.6). The key can be any non-empty
	// string; internal/crypto.DeriveKey hashes it to 32 bytes. When empty,
	// secret-typed values are stored and returned as plaintext.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Workspace configures the local on-disk mirror of the workspace tree
// (spec §4.8, §4.9): its root directory, the watcher's debounce window and
// excluded-path globs, and the pub/sub channel workspace-change events
// flow over (spec §4.7).
type Workspace struct {
	Root           string        `cfg:"root" default:"./workspace"`
	DebounceWindow time.Duration `cfg:"debounce_window" default:"500ms"`
	// ExcludeGlobs is matched with bmatcuk/doublestar against paths relative
	// to Root; defaults resolve spec §9's excluded-paths Open Question.
	ExcludeGlobs  []string `cfg:"exclude_globs" default:"[\".git/**\",\"**/*.tmp\",\"**/*.swp\",\"**/*~\"]"`
	PubSubChannel string   `cfg:"pubsub_channel" default:"bifrost:workspace:sync"`
}

// Worker tunes the execution worker pool (spec §4.14).
type Worker struct {
	PoolSize        int           `cfg:"pool_size" default:"4"`
	JobTimeout      time.Duration `cfg:"job_timeout" default:"5m"`
	CancelPollEvery time.Duration `cfg:"cancel_poll_every" default:"200ms"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("BIFROST_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
