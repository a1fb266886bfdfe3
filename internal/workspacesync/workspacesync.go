// Package workspacesync is the subscriber side of spec §4.8: it applies
// workspace-change events (spec §4.7) to this replica's local disk, and on
// startup — if object storage is configured — pulls the entire workspace
// before subscribing, running discovery with write-back disabled so the
// startup pass registers entities without re-persisting decorator edits
// (spec §4.8, §4.10).
package workspacesync

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/fileindex"
	"github.com/jackmusick/bifrost-core/internal/importhook"
	"github.com/jackmusick/bifrost-core/internal/pubsub"
)

// DiscoverFunc processes a single workspace path through decorator
// scanning + entity registration (internal/discovery.Discovery.ProcessFile).
// writeBack controls whether missing decorator ids are persisted.
type DiscoverFunc func(ctx context.Context, path string, writeBack bool) error

// Service applies the workspace-change stream to local disk.
type Service struct {
	root     string
	cache    *cache.Client
	bus      *pubsub.Bus
	files    *fileindex.Store
	hooks    *importhook.Registry
	discover DiscoverFunc
}

func New(root string, cacheClient *cache.Client, bus *pubsub.Bus, files *fileindex.Store, hooks *importhook.Registry, discover DiscoverFunc) *Service {
	return &Service{root: root, cache: cacheClient, bus: bus, files: files, hooks: hooks, discover: discover}
}

// Start runs the startup pull (if object storage is configured) and then
// applies the pub/sub stream until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}

	if s.files.HasObjectStore() {
		if err := s.pullAll(ctx); err != nil {
			slog.Error("workspacesync: startup pull failed", "error", err)
		}
	}

	events, unsubscribe, err := s.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.Apply(ctx, ev)
			}
		}
	}()

	return nil
}

func (s *Service) pullAll(ctx context.Context) error {
	objects, err := s.files.PullAll(ctx)
	if err != nil {
		return err
	}

	for path, content := range objects {
		if err := s.writeLocal(path, content); err != nil {
			slog.Warn("workspacesync: startup pull write failed", "path", path, "error", err)
			continue
		}
		hash := hashOf(content)
		if err := s.cache.SetPath(ctx, path, cache.WorkspaceEntry{Hash: hash}); err != nil {
			slog.Warn("workspacesync: startup pull cache write failed", "path", path, "error", err)
		}
		if s.hooks != nil && strings.HasSuffix(path, ".py") {
			if err := s.hooks.CacheModule(ctx, path, hash, content); err != nil {
				slog.Warn("workspacesync: startup module cache write failed", "path", path, "error", err)
			}
		}
		if s.discover != nil {
			if err := s.discover(ctx, path, false); err != nil {
				slog.Warn("workspacesync: startup discovery failed", "path", path, "error", err)
			}
		}
	}

	return nil
}

// Apply applies one workspace-change event to local disk. Per spec §4.8,
// the cache must reflect the new state before the disk write lands, so a
// watcher observing the resulting filesystem event recognizes it as
// already-applied and suppresses the loop.
func (s *Service) Apply(ctx context.Context, ev pubsub.Event) {
	switch ev.Type {
	case pubsub.EventWrite:
		content, err := base64.StdEncoding.DecodeString(ev.ContentB64)
		if err != nil {
			slog.Warn("workspacesync: dropping write event with bad content", "path", ev.Path, "error", err)
			return
		}
		if hashOf(content) != ev.ContentHash {
			slog.Warn("workspacesync: dropping write event with hash mismatch", "path", ev.Path)
			return
		}

		if err := s.cache.SetPath(ctx, ev.Path, cache.WorkspaceEntry{Hash: ev.ContentHash}); err != nil {
			slog.Warn("workspacesync: cache write failed", "path", ev.Path, "error", err)
		}
		if s.hooks != nil && strings.HasSuffix(ev.Path, ".py") {
			if err := s.hooks.CacheModule(ctx, ev.Path, ev.ContentHash, content); err != nil {
				slog.Warn("workspacesync: module cache write failed", "path", ev.Path, "error", err)
			}
		}
		if err := s.writeLocal(ev.Path, content); err != nil {
			slog.Error("workspacesync: local write failed", "path", ev.Path, "error", err)
		}

	case pubsub.EventDelete:
		if err := s.cache.SetPath(ctx, ev.Path, cache.WorkspaceEntry{IsDeleted: true}); err != nil {
			slog.Warn("workspacesync: cache write failed", "path", ev.Path, "error", err)
		}
		if s.hooks != nil && strings.HasSuffix(ev.Path, ".py") {
			if err := s.hooks.RemovePath(ctx, ev.Path); err != nil {
				slog.Warn("workspacesync: module index delete failed", "path", ev.Path, "error", err)
			}
		}
		if err := os.Remove(filepath.Join(s.root, ev.Path)); err != nil && !os.IsNotExist(err) {
			slog.Error("workspacesync: local delete failed", "path", ev.Path, "error", err)
		}

	case pubsub.EventRename:
		if err := s.cache.DeletePath(ctx, ev.OldPath); err != nil {
			slog.Warn("workspacesync: cache delete failed", "path", ev.OldPath, "error", err)
		}
		if s.hooks != nil && strings.HasSuffix(ev.OldPath, ".py") {
			if err := s.hooks.RemovePath(ctx, ev.OldPath); err != nil {
				slog.Warn("workspacesync: module index delete failed", "path", ev.OldPath, "error", err)
			}
		}
		oldFull := filepath.Join(s.root, ev.OldPath)
		newFull := filepath.Join(s.root, ev.NewPath)
		if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
			slog.Error("workspacesync: rename mkdir failed", "path", ev.NewPath, "error", err)
			return
		}
		if _, err := os.Stat(oldFull); err == nil {
			if err := os.Rename(oldFull, newFull); err != nil {
				slog.Error("workspacesync: rename failed", "old", ev.OldPath, "new", ev.NewPath, "error", err)
				return
			}
			if content, err := os.ReadFile(newFull); err == nil {
				hash := hashOf(content)
				if err := s.cache.SetPath(ctx, ev.NewPath, cache.WorkspaceEntry{Hash: hash}); err != nil {
					slog.Warn("workspacesync: cache write failed", "path", ev.NewPath, "error", err)
				}
				if s.hooks != nil && strings.HasSuffix(ev.NewPath, ".py") {
					if err := s.hooks.CacheModule(ctx, ev.NewPath, hash, content); err != nil {
						slog.Warn("workspacesync: module cache write failed", "path", ev.NewPath, "error", err)
					}
				}
			}
		}

	case pubsub.EventFolderCreate:
		if err := os.MkdirAll(filepath.Join(s.root, ev.Path), 0o755); err != nil {
			slog.Error("workspacesync: folder create failed", "path", ev.Path, "error", err)
		}

	case pubsub.EventFolderDelete:
		if err := os.RemoveAll(filepath.Join(s.root, ev.Path)); err != nil {
			slog.Error("workspacesync: folder delete failed", "path", ev.Path, "error", err)
		}

	default:
		slog.Warn("workspacesync: unknown event type", "type", ev.Type)
	}
}

func (s *Service) writeLocal(path string, content []byte) error {
	full := filepath.Join(s.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
