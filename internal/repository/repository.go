// Package repository is the thin composition layer spec §4.3 describes:
// get_by_id/get_by_name/list/upsert/deactivate over entities, closing
// store/postgres's scoped queries over internal/scopedlookup so every
// namespaced lookup in the system shares one org-then-global resolution
// path (spec §4.1).
package repository

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/scopedlookup"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

// Repository composes the Postgres store with scopedlookup for every
// entity/config-entry operation the rest of the system needs.
type Repository struct {
	pg *postgres.Postgres
}

func New(pg *postgres.Postgres) *Repository {
	return &Repository{pg: pg}
}

// GetEntityByID delegates directly — IDs are globally unique, no scope
// resolution is involved (spec §4.3 "get_by_id(id)").
func (r *Repository) GetEntityByID(ctx context.Context, id string) (*model.Entity, error) {
	return r.pg.GetEntityByID(ctx, id)
}

// GetEntityByName resolves (type, name) within a scope using the
// org-then-global pattern (spec §4.1, §4.3 "get_by_name(scope)").
func (r *Repository) GetEntityByName(ctx context.Context, orgID *string, typ model.EntityType, name string) (*model.Entity, error) {
	return scopedlookup.Lookup(ctx, orgID,
		func(ctx context.Context, orgID *string) (*model.Entity, error) {
			return r.pg.OrgEntityByName(ctx, orgID, typ, name)
		},
		func(ctx context.Context, orgID *string) (*model.Entity, error) {
			return r.pg.GlobalEntityByName(ctx, typ, name)
		},
	)
}

// ListEntities delegates to the Postgres layer's scope + filter clause.
func (r *Repository) ListEntities(ctx context.Context, orgID *string, filters postgres.EntityListFilters, page postgres.EntityListPagination) ([]model.Entity, error) {
	return r.pg.ListEntities(ctx, orgID, filters, page)
}

// UpsertEntity validates parameters_schema (when set) as a JSON Schema
// document via kin-openapi before writing (spec §11 domain-stack row:
// "validating parameters_schema on upsert"), then delegates to
// UpsertByPathAndFunction (spec §4.10 step 4).
func (r *Repository) UpsertEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	if len(e.ParametersSchema) > 0 {
		loader := openapi3.NewLoader()
		if _, err := loader.LoadFromData(e.ParametersSchema); err != nil {
			return nil, errorkind.Validation(fmt.Sprintf("entity %q: invalid parameters_schema: %v", e.Name, err))
		}
	}

	return r.pg.UpsertByPathAndFunction(ctx, e)
}

// DeactivateEntities flips is_active=false for the given ids (spec §4.10's
// orphan-deactivation step).
func (r *Repository) DeactivateEntities(ctx context.Context, ids []string) error {
	return r.pg.DeactivateMany(ctx, ids)
}

// ListScheduledWorkflows delegates for internal/trigger's cron scheduler.
func (r *Repository) ListScheduledWorkflows(ctx context.Context) ([]model.Entity, error) {
	return r.pg.ListScheduledWorkflows(ctx)
}

// LivePathFunctionPairs delegates to the Postgres layer for full-reindex's
// orphan-set computation (spec §4.10 step 3).
func (r *Repository) LivePathFunctionPairs(ctx context.Context) (map[string]string, error) {
	return r.pg.LivePathFunctionPairs(ctx)
}

// GetConfigEntryByKey resolves a configuration key within a scope using
// the same org-then-global pattern (spec §4.1, §4.2).
func (r *Repository) GetConfigEntryByKey(ctx context.Context, orgID *string, key string) (*model.ConfigEntry, error) {
	return scopedlookup.Lookup(ctx, orgID,
		func(ctx context.Context, orgID *string) (*model.ConfigEntry, error) {
			return r.pg.OrgConfigEntry(ctx, orgID, key)
		},
		func(ctx context.Context, orgID *string) (*model.ConfigEntry, error) {
			return r.pg.GlobalConfigEntry(ctx, nil, key)
		},
	)
}

// ListConfigScope delegates for internal/configresolver's load_scope.
func (r *Repository) ListConfigScope(ctx context.Context, orgID *string) ([]model.ConfigEntry, error) {
	return r.pg.ListConfigScope(ctx, orgID)
}

func (r *Repository) CreateConfigEntry(ctx context.Context, entry model.ConfigEntry) (*model.ConfigEntry, error) {
	return r.pg.CreateConfigEntry(ctx, entry)
}

func (r *Repository) UpdateConfigEntry(ctx context.Context, id string, entry model.ConfigEntry) (*model.ConfigEntry, error) {
	return r.pg.UpdateConfigEntry(ctx, id, entry)
}

func (r *Repository) DeleteConfigEntry(ctx context.Context, id string) error {
	return r.pg.DeleteConfigEntry(ctx, id)
}

func (r *Repository) GetConfigEntry(ctx context.Context, id string) (*model.ConfigEntry, error) {
	return r.pg.GetConfigEntry(ctx, id)
}
