// Package configresolver implements the secret-aware, two-tier
// configuration resolver (spec §4.2): load_scope composes the org and
// global config_entries rows into one map (org overriding global on key
// collision), caching the result in Redis with a TTL; get applies
// type-based parsing and, for secret-typed entries, decryption.
//
// This mirrors original_source's config_resolver.py: the scope map is
// loaded once by the caller and passed into every Get call — Get never
// refetches per key.
package configresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/crypto"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// Repository is the store/postgres surface this package depends on.
type Repository interface {
	ListConfigScope(ctx context.Context, orgID *string) ([]model.ConfigEntry, error)
}

// Entry is one resolved-but-not-yet-decrypted configuration value.
type Entry struct {
	Value string
	Type  model.ConfigValueType
}

// Resolver composes the repository and Redis cache behind load_scope/get.
type Resolver struct {
	repo  Repository
	redis *cache.Client
	ttl   time.Duration

	// encKey is called on every Get rather than read once at construction,
	// so the caller's function decides which key is current.
	encKey func() []byte
}

// New builds a Resolver. A ttl of zero or less uses a five-minute cache TTL.
func New(repo Repository, redis *cache.Client, ttl time.Duration, encKey func() []byte) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{repo: repo, redis: redis, ttl: ttl, encKey: encKey}
}

func scopeKey(orgID *string) string {
	if orgID == nil {
		return "global"
	}
	return *orgID
}

// LoadScope returns the merged key -> Entry map for a scope, org entries
// overriding global ones on key collision (spec §4.2: "entries in the
// resulting map ... an org-scoped entry with the same key overrides the
// global one"). It is cache-first with a repository fallback that refills
// the cache (spec §4.2: "on miss it reads the repository, writes the hash,
// sets a TTL, and returns").
func (r *Resolver) LoadScope(ctx context.Context, orgID *string) (map[string]Entry, error) {
	scope := scopeKey(orgID)

	if cached, err := r.redis.LoadConfigScope(ctx, scope); err != nil {
		slog.Warn("configresolver: cache read failed, falling back to repository", "scope", scope, "error", err)
	} else if cached != nil {
		out := make(map[string]Entry, len(cached))
		for k, v := range cached {
			out[k] = Entry{Value: v.Value, Type: model.ConfigValueType(v.Type)}
		}
		return out, nil
	}

	rows, err := r.repo.ListConfigScope(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load config scope %q: %w", scope, err)
	}

	out := make(map[string]Entry, len(rows))
	for _, row := range rows {
		if row.OrganizationID == nil {
			out[row.KeyName] = Entry{Value: row.Value, Type: row.Type}
		}
	}
	for _, row := range rows {
		if row.OrganizationID != nil {
			out[row.KeyName] = Entry{Value: row.Value, Type: row.Type}
		}
	}

	cacheValues := make(map[string]cache.ConfigCacheEntry, len(out))
	for k, v := range out {
		cacheValues[k] = cache.ConfigCacheEntry{Value: v.Value, Type: string(v.Type)}
	}
	if err := r.redis.WriteConfigScope(ctx, scope, cacheValues, r.ttl); err != nil {
		slog.Warn("configresolver: cache write failed", "scope", scope, "error", err)
	}

	return out, nil
}

// Get resolves key against an already-loaded scope map, decrypting
// secret-typed values and parsing int/bool/json values per spec §6's
// parsing rules. def is returned, unparsed, when key is absent.
func (r *Resolver) Get(scope map[string]Entry, key string, def any) (any, error) {
	entry, ok := scope[key]
	if !ok {
		if def != nil {
			return def, nil
		}
		return nil, errorkind.NotFound(fmt.Sprintf("config key %q not found", key))
	}

	value := entry.Value
	if entry.Type == model.ConfigTypeSecret {
		encKey := r.encKey()
		if encKey == nil {
			return nil, errorkind.Decryption("encryption key not configured")
		}
		dec, err := crypto.Decrypt(value, encKey)
		if err != nil {
			return nil, errorkind.Decryption(fmt.Sprintf("decrypt config key %q: %v", key, err))
		}
		value = dec
	}

	switch entry.Type {
	case model.ConfigTypeInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errorkind.Validation(fmt.Sprintf("config key %q is not an int: %v", key, err))
		}
		return n, nil
	case model.ConfigTypeBool:
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true, nil
		default:
			return false, nil
		}
	case model.ConfigTypeJSON:
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return nil, errorkind.Validation(fmt.Sprintf("config key %q is not valid json: %v", key, err))
		}
		return parsed, nil
	default:
		return value, nil
	}
}

// Invalidate drops the cached scope map, forcing the next LoadScope to go
// to the repository — called after any config_entries write that touches
// this scope.
func (r *Resolver) Invalidate(ctx context.Context, orgID *string) error {
	return r.redis.InvalidateConfigScope(ctx, scopeKey(orgID))
}
