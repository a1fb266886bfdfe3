package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// ─── API key CRUD (spec §4.12: "is_api_key" is a short-circuit authorization
// branch; this table is how the caller's bearer token resolves to that
// boolean plus its scope) ───

type apiKeyRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	KeyHash         string         `db:"key_hash"`
	OrganizationID  sql.NullString `db:"organization_id"`
	IsPlatformAdmin bool           `db:"is_platform_admin"`
	CreatedAt       time.Time      `db:"created_at"`
	LastUsedAt      sql.NullTime   `db:"last_used_at"`
}

// APIKey is the caller-facing shape of an api_keys row.
type APIKey struct {
	ID              string
	Name            string
	OrganizationID  *string
	IsPlatformAdmin bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

func apiKeyRowToModel(row apiKeyRow) APIKey {
	var orgID *string
	if row.OrganizationID.Valid {
		v := row.OrganizationID.String
		orgID = &v
	}
	var lastUsed *time.Time
	if row.LastUsedAt.Valid {
		v := row.LastUsedAt.Time
		lastUsed = &v
	}

	return APIKey{
		ID:              row.ID,
		Name:            row.Name,
		OrganizationID:  orgID,
		IsPlatformAdmin: row.IsPlatformAdmin,
		CreatedAt:       row.CreatedAt,
		LastUsedAt:      lastUsed,
	}
}

func (p *Postgres) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	query, _, err := p.goqu.From(p.tableAPIKeys).
		Select("id", "name", "key_hash", "organization_id", "is_platform_admin", "created_at", "last_used_at").
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list api_keys query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api_keys: %w", err)
	}
	defer rows.Close()

	var result []APIKey
	for rows.Next() {
		var row apiKeyRow
		if err := rows.Scan(&row.ID, &row.Name, &row.KeyHash, &row.OrganizationID, &row.IsPlatformAdmin, &row.CreatedAt, &row.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api_key row: %w", err)
		}
		result = append(result, apiKeyRowToModel(row))
	}

	return result, rows.Err()
}

// GetAPIKeyByHash resolves a bearer token's hash to its caller identity
// (spec §4.12 step 2 — "if is_api_key, return true. No DB query" happens
// only after this lookup has already established is_api_key at auth-
// middleware time).
func (p *Postgres) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	query, _, err := p.goqu.From(p.tableAPIKeys).
		Select("id", "name", "key_hash", "organization_id", "is_platform_admin", "created_at", "last_used_at").
		Where(goqu.I("key_hash").Eq(hash)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get api_key query: %w", err)
	}

	var row apiKeyRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Name, &row.KeyHash, &row.OrganizationID, &row.IsPlatformAdmin, &row.CreatedAt, &row.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api_key by hash: %w", err)
	}

	m := apiKeyRowToModel(row)
	return &m, nil
}

func (p *Postgres) CreateAPIKey(ctx context.Context, name, keyHash string, orgID *string, isPlatformAdmin bool) (*APIKey, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	record := goqu.Record{
		"id":                id,
		"name":              name,
		"key_hash":          keyHash,
		"is_platform_admin": isPlatformAdmin,
		"created_at":        now,
	}
	if orgID != nil {
		record["organization_id"] = *orgID
	} else {
		record["organization_id"] = nil
	}

	query, _, err := p.goqu.Insert(p.tableAPIKeys).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert api_key query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create api_key %q: %w", name, err)
	}

	return &APIKey{ID: id, Name: name, OrganizationID: orgID, IsPlatformAdmin: isPlatformAdmin, CreatedAt: now}, nil
}

func (p *Postgres) DeleteAPIKey(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableAPIKeys).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete api_key query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete api_key %q: %w", id, err)
	}

	return nil
}

func (p *Postgres) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableAPIKeys).Set(
		goqu.Record{"last_used_at": time.Now().UTC()},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update last_used query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update last_used for api_key %q: %w", id, err)
	}

	return nil
}

