// Package discovery implements the per-file and full-reindex pipelines
// (spec §4.10): scan a Python source file for @workflow/@tool/@data_provider
// decorators, inject missing ids, upsert the resulting entities, and (for
// full reindex) deactivate entities whose (path, function_name) no longer
// appears live anywhere in the workspace.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jackmusick/bifrost-core/internal/decorator"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/fileindex"
	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/repository"
)

// Discovery composes decorator scanning with the entity repository.
type Discovery struct {
	files *fileindex.Store
	repo  *repository.Repository
}

func New(files *fileindex.Store, repo *repository.Repository) *Discovery {
	return &Discovery{files: files, repo: repo}
}

// ProcessFile scans a single path for decorators and upserts the entities
// it finds. Non-Python paths are a no-op: the file-index write itself
// already recorded them (spec §4.10 scopes decorator scanning to .py
// sources). writeBack controls whether missing decorator ids are
// persisted back to the source (spec §4.8: disabled during the startup
// reindex pass). It returns the (path, function_name) keys that are live
// after this call, for the caller's orphan-set bookkeeping.
func (d *Discovery) ProcessFile(ctx context.Context, path string, writeBack bool, orgID *string) ([]string, error) {
	if !strings.HasSuffix(path, ".py") {
		return nil, nil
	}

	entry, err := d.files.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	src := string(entry.Content)

	decs, err := decorator.ReadDecorators(src)
	if err != nil {
		// spec §4.4: a parse error carries the original source unchanged;
		// callers never persist on failure. Log and skip this file.
		slog.Warn("discovery: decorator parse failed, skipping", "path", path, "error", err)
		return nil, nil
	}

	needsInjection := false
	for _, dec := range decs {
		if _, ok := dec.Arg("id"); !ok {
			needsInjection = true
			break
		}
	}

	if needsInjection && writeBack {
		rewritten, err := decorator.InjectIDsIfMissing(src, uuid.NewString)
		if err != nil {
			return nil, err
		}
		if _, err := d.files.Write(ctx, path, []byte(rewritten)); err != nil {
			return nil, err
		}
		src = rewritten
		decs, err = decorator.ReadDecorators(src)
		if err != nil {
			return nil, err
		}
	}

	var live []string
	for _, dec := range decs {
		id, _ := dec.Arg("id")
		id = unquote(id)
		if id == "" {
			// writeBack was disabled and this decorator still lacks an id;
			// skip it rather than registering under a synthesized-but-
			// unpersisted identity.
			continue
		}

		name, _ := dec.Arg("name")
		name = unquote(name)
		if name == "" {
			name = dec.FunctionName
		}

		ent := model.Entity{
			ID:               id,
			Name:             name,
			Type:             model.EntityType(dec.Type),
			FunctionName:     dec.FunctionName,
			Path:             path,
			OrganizationID:   orgID,
			EndpointEnabled:  boolArg(dec, "endpoint_enabled"),
			Schedule:         unquote(argOr(dec, "schedule", "")),
			AccessLevel:      accessLevelArg(dec),
			ParametersSchema: jsonArg(dec, "parameters_schema"),
			Category:         unquote(argOr(dec, "category", "")),
			Tags:             tagsArg(dec),
		}

		if _, err := d.repo.UpsertEntity(ctx, ent); err != nil {
			if errors.Is(err, errorkind.ErrConflict) {
				slog.Warn("discovery: name collision, skipping entity", "path", path, "function", dec.FunctionName, "error", err)
				continue
			}
			return nil, err
		}

		live = append(live, path+"\x00"+dec.FunctionName)
	}

	return live, nil
}

// FullReindex walks every active path in the file index, reprocesses it,
// and deactivates every previously-active (path, function_name) pair that
// no longer appears (spec §4.10 steps 2-3).
func (d *Discovery) FullReindex(ctx context.Context, orgID *string) error {
	paths, err := d.files.List(ctx, "")
	if err != nil {
		return err
	}

	liveSet := make(map[string]struct{})
	for _, path := range paths {
		keys, err := d.ProcessFile(ctx, path, true, orgID)
		if err != nil {
			slog.Warn("discovery: full reindex skipped path", "path", path, "error", err)
			continue
		}
		for _, k := range keys {
			liveSet[k] = struct{}{}
		}
	}

	pairs, err := d.repo.LivePathFunctionPairs(ctx)
	if err != nil {
		return err
	}

	var orphanIDs []string
	for key, id := range pairs {
		if _, ok := liveSet[key]; !ok {
			orphanIDs = append(orphanIDs, id)
		}
	}

	if len(orphanIDs) > 0 {
		slog.Info("discovery: deactivating orphaned entities", "count", len(orphanIDs))
		return d.repo.DeactivateEntities(ctx, orphanIDs)
	}

	return nil
}

func argOr(dec decorator.Decoration, key, def string) string {
	if v, ok := dec.Arg(key); ok {
		return v
	}
	return def
}

func boolArg(dec decorator.Decoration, key string) bool {
	v, ok := dec.Arg(key)
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(v), "True")
}

func accessLevelArg(dec decorator.Decoration) model.AccessLevel {
	v, ok := dec.Arg("access_level")
	if !ok {
		return model.AccessLevelPublic
	}
	switch unquote(v) {
	case string(model.AccessLevelAuthUser):
		return model.AccessLevelAuthUser
	case string(model.AccessLevelRoleBased):
		return model.AccessLevelRoleBased
	default:
		return model.AccessLevelPublic
	}
}

func jsonArg(dec decorator.Decoration, key string) []byte {
	v, ok := dec.Arg(key)
	if !ok {
		return nil
	}
	var probe any
	if err := json.Unmarshal([]byte(v), &probe); err != nil {
		return nil
	}
	return []byte(v)
}

// tagsArg parses a Python-literal string list (`["a", "b"]`) into a Go
// slice; anything else yields an empty tag set rather than an error, since
// decorator scanning never fails the whole file for one malformed kwarg.
func tagsArg(dec decorator.Decoration) []string {
	v, ok := dec.Arg("tags")
	if !ok {
		return nil
	}
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "[") || !strings.HasSuffix(v, "]") {
		return nil
	}
	inner := strings.TrimSpace(v[1 : len(v)-1])
	if inner == "" {
		return nil
	}

	var tags []string
	for _, part := range strings.Split(inner, ",") {
		tags = append(tags, unquote(strings.TrimSpace(part)))
	}
	return tags
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		if unq, err := strconv.Unquote(`"` + strings.ReplaceAll(v[1:len(v)-1], `"`, `\"`) + `"`); err == nil {
			return unq
		}
		return v[1 : len(v)-1]
	}
	return v
}
