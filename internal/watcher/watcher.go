// Package watcher is the publisher side of spec §4.9: it watches the
// local workspace directory with fsnotify, debounces bursts of events
// within a configurable window, consults the workspace cache to suppress
// events that merely reflect an already-applied sync, and for everything
// else writes through internal/fileindex, updates the cache, publishes a
// pubsub.Event and triggers discovery.
//
// Only one replica should run the watcher at a time; Start optionally
// acquires internal/cluster's leader lock first, mirroring the teacher's
// workflow/scheduler.go runLockLoop pattern.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/cluster"
	"github.com/jackmusick/bifrost-core/internal/fileindex"
	"github.com/jackmusick/bifrost-core/internal/importhook"
	"github.com/jackmusick/bifrost-core/internal/pubsub"
)

// DiscoverFunc is invoked after a local write/create is recorded
// (internal/discovery.Discovery.ProcessFile, write-back enabled).
type DiscoverFunc func(ctx context.Context, path string) error

type Watcher struct {
	root         string
	excludeGlobs []string
	debounce     time.Duration

	files   *fileindex.Store
	cache   *cache.Client
	bus     *pubsub.Bus
	cluster *cluster.Cluster
	hooks   *importhook.Registry

	discover DiscoverFunc

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	fsw *fsnotify.Watcher
}

func New(root string, excludeGlobs []string, debounce time.Duration, files *fileindex.Store, cacheClient *cache.Client, bus *pubsub.Bus, cl *cluster.Cluster, hooks *importhook.Registry, discover DiscoverFunc) *Watcher {
	return &Watcher{
		root:         root,
		excludeGlobs: excludeGlobs,
		debounce:     debounce,
		files:        files,
		cache:        cacheClient,
		bus:          bus,
		cluster:      cl,
		hooks:        hooks,
		discover:     discover,
		pending:      make(map[string]fsnotify.Op),
	}
}

// Start runs the watcher, electing leadership first if clustering is
// configured.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cluster == nil {
		return w.run(ctx)
	}

	go w.runLockLoop(ctx)
	return nil
}

func (w *Watcher) runLockLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.cluster.LockWatcher(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("watcher: acquire leader lock failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		slog.Info("watcher: acquired leader lock")
		if err := w.run(ctx); err != nil {
			slog.Error("watcher: run failed", "error", err)
		}

		if err := w.cluster.UnlockWatcher(); err != nil {
			slog.Error("watcher: release leader lock failed", "error", err)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Watcher) run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	defer fsw.Close()

	if err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.onEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) relPath(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) excluded(rel string) bool {
	for _, pattern := range w.excludeGlobs {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) onEvent(ev fsnotify.Event) {
	rel := w.relPath(ev.Name)
	if w.excluded(rel) {
		return
	}

	w.mu.Lock()
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		w.pending[rel] = ev.Op
	} else {
		w.pending[rel] |= ev.Op
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
	w.mu.Unlock()
}

// flush runs once per coalesced burst (spec §9 Open Question: "every local
// mutation inside one coalescing window yields exactly one publish").
func (w *Watcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	ctx := context.Background()
	for rel, op := range batch {
		w.processPath(ctx, rel, op)
	}
}

func (w *Watcher) processPath(ctx context.Context, rel string, op fsnotify.Op) {
	isDelete := op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
	cached, err := w.cache.GetPath(ctx, rel)
	if err != nil {
		slog.Warn("watcher: cache read failed", "path", rel, "error", err)
	}

	if isDelete {
		if cached != nil && cached.IsDeleted {
			return // already applied via pub/sub, loop suppressed
		}
		if err := w.files.Delete(ctx, rel); err != nil {
			slog.Error("watcher: delete failed", "path", rel, "error", err)
			return
		}
		if err := w.cache.SetPath(ctx, rel, cache.WorkspaceEntry{IsDeleted: true}); err != nil {
			slog.Warn("watcher: cache write failed", "path", rel, "error", err)
		}
		if w.hooks != nil && strings.HasSuffix(rel, ".py") {
			if err := w.hooks.RemovePath(ctx, rel); err != nil {
				slog.Warn("watcher: module index delete failed", "path", rel, "error", err)
			}
		}
		if err := w.bus.PublishDelete(ctx, rel); err != nil {
			slog.Warn("watcher: publish failed", "path", rel, "error", err)
		}
		return
	}

	full := filepath.Join(w.root, rel)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return // raced with a delete that already landed
		}
		slog.Warn("watcher: stat failed", "path", rel, "error", err)
		return
	}
	if info.IsDir() {
		w.fsw.Add(full) //nolint:errcheck
		return
	}

	content, err := os.ReadFile(full)
	if err != nil {
		slog.Warn("watcher: read failed", "path", rel, "error", err)
		return
	}

	hash := hashOf(content)
	if cached != nil && !cached.IsDeleted && cached.Hash == hash {
		return // content matches the last applied sync — suppress the loop
	}

	entry, err := w.files.Write(ctx, rel, content)
	if err != nil {
		slog.Error("watcher: write failed", "path", rel, "error", err)
		return
	}
	if err := w.cache.SetPath(ctx, rel, cache.WorkspaceEntry{Hash: entry.Hash}); err != nil {
		slog.Warn("watcher: cache write failed", "path", rel, "error", err)
	}
	if w.hooks != nil && strings.HasSuffix(rel, ".py") {
		if err := w.hooks.CacheModule(ctx, rel, entry.Hash, content); err != nil {
			slog.Warn("watcher: module cache write failed", "path", rel, "error", err)
		}
	}
	if err := w.bus.PublishWrite(ctx, rel, content, entry.Hash); err != nil {
		slog.Warn("watcher: publish failed", "path", rel, "error", err)
	}

	if w.discover != nil {
		if err := w.discover(ctx, rel); err != nil {
			slog.Warn("watcher: discovery failed", "path", rel, "error", err)
		}
	}
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DefaultExcludeGlobs resolves spec §9's excluded-paths Open Question.
func DefaultExcludeGlobs() []string {
	return []string{".git/**", "**/*.tmp", "**/*.swp", "**/*~"}
}
