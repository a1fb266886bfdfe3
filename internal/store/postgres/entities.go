package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Entity CRUD (spec §3 "Entity record", §4.3) ───

type entityRow struct {
	ID               string          `db:"id"`
	Name             string          `db:"name"`
	Type             string          `db:"type"`
	FunctionName     string          `db:"function_name"`
	Path             string          `db:"path"`
	OrganizationID   sql.NullString  `db:"organization_id"`
	IsActive         bool            `db:"is_active"`
	EndpointEnabled  bool            `db:"endpoint_enabled"`
	Schedule         string          `db:"schedule"`
	AccessLevel      string          `db:"access_level"`
	ParametersSchema json.RawMessage `db:"parameters_schema"`
	Category         string          `db:"category"`
	Tags             json.RawMessage `db:"tags"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

var entityColumns = []any{
	"id", "name", "type", "function_name", "path", "organization_id",
	"is_active", "endpoint_enabled", "schedule", "access_level",
	"parameters_schema", "category", "tags", "created_at", "updated_at",
}

func scanEntityRow(scan func(dest ...any) error) (*entityRow, error) {
	var row entityRow
	err := scan(&row.ID, &row.Name, &row.Type, &row.FunctionName, &row.Path, &row.OrganizationID,
		&row.IsActive, &row.EndpointEnabled, &row.Schedule, &row.AccessLevel,
		&row.ParametersSchema, &row.Category, &row.Tags, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func entityRowToModel(row entityRow) (model.Entity, error) {
	var orgID *string
	if row.OrganizationID.Valid {
		v := row.OrganizationID.String
		orgID = &v
	}

	var tags []string
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return model.Entity{}, fmt.Errorf("unmarshal tags for entity %q: %w", row.ID, err)
		}
	}

	return model.Entity{
		ID:               row.ID,
		Name:             row.Name,
		Type:             model.EntityType(row.Type),
		FunctionName:     row.FunctionName,
		Path:             row.Path,
		OrganizationID:   orgID,
		IsActive:         row.IsActive,
		EndpointEnabled:  row.EndpointEnabled,
		Schedule:         row.Schedule,
		AccessLevel:      model.AccessLevel(row.AccessLevel),
		ParametersSchema: row.ParametersSchema,
		Category:         row.Category,
		Tags:             tags,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func (p *Postgres) GetEntityByID(ctx context.Context, id string) (*model.Entity, error) {
	query, _, err := p.goqu.From(p.tableEntities).
		Select(entityColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get entity query: %w", err)
	}

	row, err := scanEntityRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil {
		return nil, fmt.Errorf("get entity %q: %w", id, err)
	}
	if row == nil {
		return nil, nil
	}

	m, err := entityRowToModel(*row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// getEntityByNameScoped is the scopedlookup.Query building block behind
// GetEntityByName: one scope, one (type, name) pair, active rows only.
func (p *Postgres) getEntityByNameScoped(ctx context.Context, orgID *string, typ model.EntityType, name string) (*model.Entity, error) {
	whereOrg := goqu.I("organization_id").IsNull()
	if orgID != nil {
		whereOrg = goqu.I("organization_id").Eq(*orgID)
	}

	query, _, err := p.goqu.From(p.tableEntities).
		Select(entityColumns...).
		Where(whereOrg, goqu.I("type").Eq(string(typ)), goqu.I("name").Eq(name), goqu.I("is_active").IsTrue()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get entity by name query: %w", err)
	}

	row, err := scanEntityRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil {
		return nil, fmt.Errorf("get entity by name %q: %w", name, err)
	}
	if row == nil {
		return nil, nil
	}

	m, err := entityRowToModel(*row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GlobalEntityByName and OrgEntityByName are the two scopedlookup.Query
// implementations for a fixed (type, name); the repository layer closes
// over typ/name when composing scopedlookup.Lookup (spec §4.1, §4.3
// "get_by_name(scope)").
func (p *Postgres) GlobalEntityByName(ctx context.Context, typ model.EntityType, name string) (*model.Entity, error) {
	return p.getEntityByNameScoped(ctx, nil, typ, name)
}

// OrgEntityByName with a nil orgID queries the global scope, so a lookup
// without an organization still finds global entities.
func (p *Postgres) OrgEntityByName(ctx context.Context, orgID *string, typ model.EntityType, name string) (*model.Entity, error) {
	return p.getEntityByNameScoped(ctx, orgID, typ, name)
}

// EntityListFilters narrows ListEntities beyond the mandatory scope clause.
type EntityListFilters struct {
	Type          *model.EntityType
	ActiveOnly    bool
	PlatformAdmin bool // relaxes the scope clause to "see all organizations"
}

// EntityListPagination is a simple offset/limit page request.
type EntityListPagination struct {
	Limit  int
	Offset int
}

// ListEntities applies the scope clause "(organization_id = org OR
// organization_id IS NULL)" unless filters.PlatformAdmin is set, per spec
// §4.3: "apply the 'platform admin sees all' relaxation only via an
// explicit flag."
func (p *Postgres) ListEntities(ctx context.Context, orgID *string, filters EntityListFilters, page EntityListPagination) ([]model.Entity, error) {
	ds := p.goqu.From(p.tableEntities).Select(entityColumns...)

	if !filters.PlatformAdmin {
		if orgID != nil {
			ds = ds.Where(goqu.Or(goqu.I("organization_id").Eq(*orgID), goqu.I("organization_id").IsNull()))
		} else {
			ds = ds.Where(goqu.I("organization_id").IsNull())
		}
	}

	if filters.Type != nil {
		ds = ds.Where(goqu.I("type").Eq(string(*filters.Type)))
	}
	if filters.ActiveOnly {
		ds = ds.Where(goqu.I("is_active").IsTrue())
	}

	ds = ds.Order(goqu.I("name").Asc())

	if page.Limit > 0 {
		ds = ds.Limit(uint(page.Limit))
	}
	if page.Offset > 0 {
		ds = ds.Offset(uint(page.Offset))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list entities query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var result []model.Entity
	for rows.Next() {
		row, err := scanEntityRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		m, err := entityRowToModel(*row)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}

	return result, rows.Err()
}

// ListScheduledWorkflows returns every active workflow entity with a
// non-empty schedule, across all organizations — internal/trigger's cron
// scheduler rebuilds its runner from this set.
func (p *Postgres) ListScheduledWorkflows(ctx context.Context) ([]model.Entity, error) {
	query, _, err := p.goqu.From(p.tableEntities).
		Select(entityColumns...).
		Where(
			goqu.I("type").Eq(string(model.EntityWorkflow)),
			goqu.I("is_active").IsTrue(),
			goqu.I("schedule").Neq(""),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list scheduled workflows query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	defer rows.Close()

	var result []model.Entity
	for rows.Next() {
		row, err := scanEntityRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		m, err := entityRowToModel(*row)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}

	return result, rows.Err()
}

// UpsertByPathAndFunction inserts or updates the entity matching (path,
// function_name), regardless of organization scope (spec §4.10 step 4). A
// name collision with another active entity in the same scope is rejected by
// the unique index and surfaced as errorkind.Conflict.
func (p *Postgres) UpsertByPathAndFunction(ctx context.Context, e model.Entity) (*model.Entity, error) {
	existingQuery, _, err := p.goqu.From(p.tableEntities).
		Select("id").
		Where(goqu.I("path").Eq(e.Path), goqu.I("function_name").Eq(e.FunctionName)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build existing lookup query: %w", err)
	}

	var existingID string
	err = p.db.QueryRowContext(ctx, existingQuery).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup existing entity: %w", err)
	}

	now := time.Now().UTC()
	id := e.ID
	if id == "" {
		id = existingID
	}

	paramsSchema := e.ParametersSchema
	if paramsSchema == nil {
		paramsSchema = []byte("null")
	}

	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags for entity %q: %w", e.Name, err)
	}

	record := goqu.Record{
		"id":                id,
		"name":              e.Name,
		"type":              string(e.Type),
		"function_name":     e.FunctionName,
		"path":              e.Path,
		"is_active":         true,
		"endpoint_enabled":  e.EndpointEnabled,
		"schedule":          e.Schedule,
		"access_level":      string(e.AccessLevel),
		"parameters_schema": json.RawMessage(paramsSchema),
		"category":          e.Category,
		"tags":              tagsJSON,
		"updated_at":        now,
	}
	if e.OrganizationID != nil {
		record["organization_id"] = *e.OrganizationID
	} else {
		record["organization_id"] = nil
	}

	if existingID == "" {
		record["created_at"] = now

		query, _, err := p.goqu.Insert(p.tableEntities).Rows(record).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build insert entity query: %w", err)
		}
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return nil, mapEntityWriteError(err, e.Name)
		}
	} else {
		query, _, err := p.goqu.Update(p.tableEntities).Set(record).Where(goqu.I("id").Eq(existingID)).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build update entity query: %w", err)
		}
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return nil, mapEntityWriteError(err, e.Name)
		}
		id = existingID
	}

	return p.GetEntityByID(ctx, id)
}

// mapEntityWriteError surfaces the unique-name-per-scope index violation as
// errorkind.Conflict (spec §4.10: "the second registration is rejected by
// the repository's uniqueness constraint and logged").
func mapEntityWriteError(err error, name string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errorkind.Conflict(fmt.Sprintf("entity %q already registered in this scope", name))
	}
	return fmt.Errorf("write entity %q: %w", name, err)
}

// DeactivateMany flips is_active=false for every id given (spec §4.10's
// orphan-deactivation step). Entities are never hard-deleted: execution
// history holds a foreign key to this table.
func (p *Postgres) DeactivateMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, _, err := p.goqu.Update(p.tableEntities).
		Set(goqu.Record{"is_active": false, "updated_at": time.Now().UTC()}).
		Where(goqu.I("id").In(ids)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build deactivate query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("deactivate entities: %w", err)
	}

	return nil
}

// LivePathFunctionPairs returns every currently active (path,
// function_name) pair, keyed "path\x00function_name" and mapped to the
// entity id, used by the full-reindex flow to compute the orphan set (spec
// §4.10 step 3).
func (p *Postgres) LivePathFunctionPairs(ctx context.Context) (map[string]string, error) {
	query, _, err := p.goqu.From(p.tableEntities).
		Select("id", "path", "function_name").
		Where(goqu.I("is_active").IsTrue()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build live pairs query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list live pairs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, path, fn string
		if err := rows.Scan(&id, &path, &fn); err != nil {
			return nil, fmt.Errorf("scan live pair row: %w", err)
		}
		out[path+"\x00"+fn] = id
	}

	return out, rows.Err()
}
