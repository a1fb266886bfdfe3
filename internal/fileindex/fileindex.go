// Package fileindex composes the Postgres file-index store (the
// authoritative (path, content, hash) record) with internal/objectstore's
// S3 mirror, giving the rest of the system the single §4.5 contract:
// write persists to Postgres then best-effort mirrors to object storage;
// read always serves from Postgres; delete hard-deletes the row and
// best-effort removes the object.
package fileindex

import (
	"context"
	"log/slog"

	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/objectstore"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

// Store is the composed file-index: Postgres is the source of truth,
// ObjectStore (optional — nil disables mirroring) is a durability mirror.
type Store struct {
	pg    *postgres.Postgres
	store *objectstore.Store
}

func New(pg *postgres.Postgres, store *objectstore.Store) *Store {
	return &Store{pg: pg, store: store}
}

// Write computes the hash, upserts the Postgres row, and — if object
// storage is configured — mirrors the bytes. A mirror failure is logged
// and does not fail the write: the object-storage copy is a best-effort
// durability mirror, not the source of truth (spec §4.5, §7 Transient:
// "the offending step is best-effort (cache writes, pub/sub publishes, S3
// mirrors)").
func (s *Store) Write(ctx context.Context, path string, content []byte) (*model.FileEntry, error) {
	entry, err := s.pg.WriteFile(ctx, path, content)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.PutObject(ctx, path, content); err != nil {
			slog.Warn("fileindex: object-storage mirror failed", "path", path, "error", err)
		}
	}

	return entry, nil
}

// Read serves from Postgres (spec §4.5: "read serves from Postgres").
func (s *Store) Read(ctx context.Context, path string) (*model.FileEntry, error) {
	return s.pg.ReadFile(ctx, path)
}

// Delete hard-deletes the Postgres row, then best-effort removes the
// mirrored object.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.pg.DeleteFile(ctx, path); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.DeleteObject(ctx, path); err != nil {
			slog.Warn("fileindex: object-storage delete failed", "path", path, "error", err)
		}
	}

	return nil
}

// List enumerates active paths under prefix, used by full reindex
// (spec §4.10) and the sync service's startup pull.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	return s.pg.ListFiles(ctx, prefix)
}

// HasObjectStore reports whether an object-storage mirror is configured
// (spec §4.8: startup pull only applies "if object store configured").
func (s *Store) HasObjectStore() bool {
	return s.store != nil
}

// PullAll reads every object under the repo mirror directly from object
// storage, bypassing Postgres — used once at sync-service startup to seed
// a fresh replica's local disk before it starts trusting the pub/sub
// stream (spec §4.8).
func (s *Store) PullAll(ctx context.Context) (map[string][]byte, error) {
	if s.store == nil {
		return nil, nil
	}

	paths, err := s.store.ListObjects(ctx, "")
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(paths))
	for _, path := range paths {
		content, err := s.store.GetObject(ctx, path)
		if err != nil {
			slog.Warn("fileindex: pull-all skipped path", "path", path, "error", err)
			continue
		}
		out[path] = content
	}

	return out, nil
}
