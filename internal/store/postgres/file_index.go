package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── File-index CRUD (spec §3 "File entry", §4.5) ───
//
// This is the Postgres half of the file-index contract: the authoritative
// per-path (content, hash) row. internal/fileindex composes this with
// internal/objectstore's S3 mirror to satisfy the full §4.5 contract.

type fileIndexRow struct {
	Path      string    `db:"path"`
	Content   []byte    `db:"content"`
	Hash      string    `db:"hash"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func fileIndexRowToModel(row fileIndexRow) model.FileEntry {
	return model.FileEntry{
		Path:      row.Path,
		Content:   row.Content,
		Hash:      row.Hash,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// ReadFile serves read(path) -> bytes from Postgres, the source of truth
// (spec §4.5: "read serves from Postgres").
func (p *Postgres) ReadFile(ctx context.Context, path string) (*model.FileEntry, error) {
	query, _, err := p.goqu.From(p.tableFileIndex).
		Select("path", "content", "hash", "created_at", "updated_at").
		Where(goqu.I("path").Eq(path)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build read file query: %w", err)
	}

	var row fileIndexRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.Path, &row.Content, &row.Hash, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", path, err)
	}

	m := fileIndexRowToModel(row)
	return &m, nil
}

// WriteFile computes the hash and upserts the row (spec §4.5: "write computes
// the hash, upserts the row ... Invariant: after write returns, the row
// reflects the new bytes and hash"). The object-storage mirror is the
// caller's (internal/fileindex's) responsibility.
func (p *Postgres) WriteFile(ctx context.Context, path string, content []byte) (*model.FileEntry, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableFileIndex).Rows(
		goqu.Record{
			"path":       path,
			"content":    content,
			"hash":       hash,
			"created_at": now,
			"updated_at": now,
		},
	).OnConflict(goqu.DoUpdate("path", goqu.Record{
		"content":    content,
		"hash":       hash,
		"updated_at": now,
	})).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build write file query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("write file %q: %w", path, err)
	}

	return &model.FileEntry{Path: path, Content: content, Hash: hash, CreatedAt: now, UpdatedAt: now}, nil
}

// DeleteFile hard-deletes the row (spec §4.5: "delete hard-deletes the row").
func (p *Postgres) DeleteFile(ctx context.Context, path string) error {
	query, _, err := p.goqu.Delete(p.tableFileIndex).
		Where(goqu.I("path").Eq(path)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete file query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete file %q: %w", path, err)
	}

	return nil
}

// ListFiles enumerates active paths under prefix (empty prefix lists
// everything), used by the full-reindex flow (spec §4.10).
func (p *Postgres) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	ds := p.goqu.From(p.tableFileIndex).Select("path")
	if prefix != "" {
		ds = ds.Where(goqu.I("path").Like(escapeLikePrefix(prefix) + "%"))
	}
	ds = ds.Order(goqu.I("path").Asc())

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list files query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan file path: %w", err)
		}
		paths = append(paths, path)
	}

	return paths, rows.Err()
}

func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}
