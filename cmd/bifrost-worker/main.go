package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/config"
	"github.com/jackmusick/bifrost-core/internal/crypto"
	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/fileindex"
	"github.com/jackmusick/bifrost-core/internal/importhook"
	"github.com/jackmusick/bifrost-core/internal/objectstore"
	"github.com/jackmusick/bifrost-core/internal/queue"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
	"github.com/jackmusick/bifrost-core/internal/worker"
)

var (
	name    = "bifrost-worker"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// run wires an execution worker process (spec §4.14): it connects to the
// same stores as bifrostd, installs the virtual import hook (§4.15), and
// blocks serving jobs off the work queue until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to derive encryption key: %w", err)
		}
	}

	pg, err := postgres.New(ctx, cfg.Store.Postgres, encKey)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pg.Close()

	redisClient := cache.New(cfg.Redis)
	defer redisClient.Close() //nolint:errcheck
	if err := redisClient.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	var objStore *objectstore.Store
	if cfg.ObjectStore.Bucket != "" {
		objStore, err = objectstore.New(ctx, cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("failed to connect to object storage: %w", err)
		}
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer q.Close() //nolint:errcheck

	files := fileindex.New(pg, objStore)
	hooks := importhook.New(redisClient, files)
	disp := dispatch.New(pg, redisClient, q)

	pool := worker.New(worker.Config{
		PoolSize:        cfg.Worker.PoolSize,
		JobTimeout:      cfg.Worker.JobTimeout,
		CancelPollEvery: cfg.Worker.CancelPollEvery,
	}, q, disp, pg, hooks)

	slog.Info("starting bifrost-worker", "pool_size", cfg.Worker.PoolSize)
	return pool.Run(ctx)
}
