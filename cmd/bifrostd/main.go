package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/jackmusick/bifrost-core/internal/access"
	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/cluster"
	"github.com/jackmusick/bifrost-core/internal/config"
	"github.com/jackmusick/bifrost-core/internal/configresolver"
	"github.com/jackmusick/bifrost-core/internal/crypto"
	"github.com/jackmusick/bifrost-core/internal/discovery"
	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/fileindex"
	"github.com/jackmusick/bifrost-core/internal/importhook"
	"github.com/jackmusick/bifrost-core/internal/objectstore"
	"github.com/jackmusick/bifrost-core/internal/pubsub"
	"github.com/jackmusick/bifrost-core/internal/queue"
	"github.com/jackmusick/bifrost-core/internal/repository"
	"github.com/jackmusick/bifrost-core/internal/server"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
	"github.com/jackmusick/bifrost-core/internal/trigger"
	"github.com/jackmusick/bifrost-core/internal/watcher"
	"github.com/jackmusick/bifrost-core/internal/workspacesync"
)

var (
	name    = "bifrostd"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

// run wires the control-plane process: it connects every store, starts the
// workspace watcher/sync/scheduler as background goroutines, and serves the
// HTTP API until ctx is cancelled.
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
	} else {
		slog.Info("object storage not configured, workspace durability mirror disabled")
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer q.Close() //nolint:errcheck

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to build cluster: %w", err)
	}

	files := fileindex.New(pg, objStore)
	bus := pubsub.New(redisClient.Raw(), cfg.Workspace.PubSubChannel)
	hooks := importhook.New(redisClient, files)
	repo := repository.New(pg)
	disc := discovery.New(files, repo)

	wt := watcher.New(
		cfg.Workspace.Root,
		cfg.Workspace.ExcludeGlobs,
		cfg.Workspace.DebounceWindow,
		files,
		redisClient,
		bus,
		cl,
		hooks,
		func(ctx context.Context, path string) error {
			_, err := disc.ProcessFile(ctx, path, true, nil)
			return err
		},
	)

	sync := workspacesync.New(
		cfg.Workspace.Root,
		redisClient,
		bus,
		files,
		hooks,
		func(ctx context.Context, path string, writeBack bool) error {
			_, err := disc.ProcessFile(ctx, path, writeBack, nil)
			return err
		},
	)

	disp := dispatch.New(pg, redisClient, q)
	checker := access.NewChecker(pg, nil)
	derivation := access.NewDerivation(pg)
	resolver := configresolver.New(repo, redisClient, 0, func() []byte { return encKey })

	sched := trigger.New(repo.ListScheduledWorkflows, disp, cl)

	if cl != nil {
		go func() {
			if err := cl.Start(ctx, func(newKey []byte) {
				slog.Info("cluster: received broadcast encryption key rotation")
				pg.SetEncryptionKey(newKey)
			}); err != nil && ctx.Err() == nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck
	}

	if err := sync.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workspace sync: %w", err)
	}

	go func() {
		if err := wt.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("watcher stopped", "error", err)
		}
	}()

	if err := disc.FullReindex(ctx, nil); err != nil {
		slog.Error("initial workspace reindex failed", "error", err)
	}

	go func() {
		if err := sched.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler stopped", "error", err)
		}
	}()
	defer sched.Stop()

	srv := server.New(cfg.Server, repo, pg, disp, checker, derivation, resolver, cl)

	slog.Info("starting bifrostd", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}
