// Package cache wraps the Redis client shared by the workspace cache
// (spec §4.6), the configuration resolver's scope cache (spec §4.2), and
// the organization cache, keyed per the Redis keyspace table in spec §6.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper over go-redis shared by every Redis-backed
// component so they construct one connection pool, not one each.
type Client struct {
	rdb *redis.Client
}

// Config is the subset of process configuration needed to dial Redis.
type Config struct {
	Addr     string `cfg:"addr" default:"localhost:6379"`
	Password string `cfg:"password" log:"-"`
	DB       int    `cfg:"db"`
}

func New(cfg Config) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Raw exposes the underlying client for components with bespoke needs
// (pub/sub, blocking list reads) that don't fit this package's helpers.
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

const workspaceCacheKey = "workspace:cache"

// WorkspaceEntry mirrors model.CacheEntry's wire shape in the Redis hash.
type WorkspaceEntry struct {
	Hash      string `json:"hash"`
	IsDeleted bool   `json:"is_deleted"`
}

// SetPath writes the workspace cache entry for path (spec §4.6 "set").
// Fire-and-forget by design: callers log but do not fail hard on error,
// since the cache is an optimization (spec §4.6, §7 Transient).
func (c *Client) SetPath(ctx context.Context, path string, entry WorkspaceEntry) error {
	return c.hsetJSON(ctx, workspaceCacheKey, path, entry)
}

// GetPath reads the workspace cache entry for path, or nil if absent
// (spec §4.6 "get").
func (c *Client) GetPath(ctx context.Context, path string) (*WorkspaceEntry, error) {
	var entry WorkspaceEntry
	ok, err := c.hgetJSON(ctx, workspaceCacheKey, path, &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

// DeletePath removes the workspace cache entry for path entirely (used when
// a path transitions out of tracking, distinct from IsDeleted=true which
// still records the tombstone for loop suppression).
func (c *Client) DeletePath(ctx context.Context, path string) error {
	return c.rdb.HDel(ctx, workspaceCacheKey, path).Err()
}

// ConfigScopeKey returns the Redis hash key for a configuration scope
// (spec §6: "bifrost:config:{scope}").
func ConfigScopeKey(scope string) string {
	return "bifrost:config:" + scope
}

// ConfigCacheEntry mirrors a single cached configuration value.
type ConfigCacheEntry struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

// LoadConfigScope returns the cached scope map, or nil if the scope key is
// entirely absent (a cache miss that the caller should fill from the
// repository).
func (c *Client) LoadConfigScope(ctx context.Context, scope string) (map[string]ConfigCacheEntry, error) {
	key := ConfigScopeKey(scope)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("check config scope cache %q: %w", scope, err)
	}
	if exists == 0 {
		return nil, nil
	}

	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load config scope cache %q: %w", scope, err)
	}

	out := make(map[string]ConfigCacheEntry, len(raw))
	for k, v := range raw {
		var entry ConfigCacheEntry
		if err := unmarshalJSON(v, &entry); err != nil {
			return nil, fmt.Errorf("decode cached config key %q: %w", k, err)
		}
		out[k] = entry
	}

	return out, nil
}

// WriteConfigScope replaces the cached scope map and refreshes its TTL
// (spec §4.2: "on miss it reads the repository, writes the hash, sets a
// TTL, and returns").
func (c *Client) WriteConfigScope(ctx context.Context, scope string, values map[string]ConfigCacheEntry, ttl time.Duration) error {
	key := ConfigScopeKey(scope)

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for k, v := range values {
		data, err := marshalJSON(v)
		if err != nil {
			return fmt.Errorf("encode config key %q: %w", k, err)
		}
		pipe.HSet(ctx, key, k, data)
	}
	pipe.Expire(ctx, key, ttl)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("write config scope cache %q: %w", scope, err)
	}

	return nil
}

// InvalidateConfigScope drops the cached scope map, forcing the next
// load_scope to go to the repository.
func (c *Client) InvalidateConfigScope(ctx context.Context, scope string) error {
	return c.rdb.Del(ctx, ConfigScopeKey(scope)).Err()
}

const orgCacheKeyPrefix = "bifrost:org:"

// CacheOrganization caches an organization's connected-integration set
// (used by the authorization check's query A) with the TTL given.
func (c *Client) CacheOrganization(ctx context.Context, orgID string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, orgCacheKeyPrefix+orgID, data, ttl).Err()
}

func (c *Client) GetOrganization(ctx context.Context, orgID string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, orgCacheKeyPrefix+orgID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
