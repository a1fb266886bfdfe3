package importhook

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/cache"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheClient := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { cacheClient.Close() }) //nolint:errcheck
	return New(cacheClient, nil)
}

// TestCacheModuleThenResolve covers spec §4.15's module-freshness property
// (§8 property 10): a module cached under its indexed path is what resolve
// serves back, here through the name.py candidate form.
func TestCacheModuleThenResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CacheModule(ctx, "workflows/util.py", "hash1", []byte("function add(a,b){return a+b}")))

	source, path, ok, err := r.resolve(ctx, "workflows.util")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "workflows/util.py", path)
	assert.Contains(t, source, "function add")
}

// TestCacheModuleRefreshReplacesContent covers the "refresh on every write,
// not just the first" requirement: re-caching the same path with new
// content must serve the new content afterward.
func TestCacheModuleRefreshReplacesContent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CacheModule(ctx, "workflows/util.py", "hash1", []byte("old")))
	require.NoError(t, r.CacheModule(ctx, "workflows/util.py", "hash2", []byte("new")))

	source, _, ok, err := r.resolve(ctx, "workflows.util")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", source)
}

// TestRemovePath_DropsFromIndexAndCache covers spec §4.15's invalidation
// path: after RemovePath, resolve must report the module as not found even
// though the underlying candidate path string is unchanged.
func TestRemovePath_DropsFromIndexAndCache(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CacheModule(ctx, "workflows/util.py", "hash1", []byte("old")))
	require.NoError(t, r.RemovePath(ctx, "workflows/util.py"))

	_, _, ok, err := r.resolve(ctx, "workflows.util")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestResolve_UnindexedModuleNotFound covers the case where a dotted import
// was never registered at all.
func TestResolve_UnindexedModuleNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, _, ok, err := r.resolve(context.Background(), "workflows.nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLoadFunction_BuildsInvocationScript covers spec §4.14 step 3's
// dispatched-function resolution path.
func TestLoadFunction_BuildsInvocationScript(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CacheModule(ctx, "workflows/hello.py", "hash1", []byte("function hello(args){return 1}")))

	script, err := r.LoadFunction(ctx, "workflows/hello.py", "hello")
	require.NoError(t, err)
	assert.Contains(t, script, "function hello")
	assert.Contains(t, script, "return hello(args);")
}

// TestPreloadManifest_NoKeyIsNoop covers spec §4.14 step 1's bootstrap:
// no requirements manifest configured must not fail or block startup.
func TestPreloadManifest_NoKeyIsNoop(t *testing.T) {
	r := newTestRegistry(t)

	assert.NotPanics(t, func() { r.PreloadManifest(context.Background()) })
}

// TestPreloadManifest_IndexesListedPaths covers the reduced worker
// bootstrap (SPEC_FULL.md §12): a manifest at bifrost:requirements:content
// is read and each listed module path is added to the module index so a
// later import resolves it without waiting for a workspace sync event.
func TestPreloadManifest_IndexesListedPaths(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.redis.Raw().Set(ctx, requirementsKey, `["shared/helpers.py"]`, 0).Err())

	r.PreloadManifest(ctx)

	indexed, err := r.redis.Raw().SIsMember(ctx, moduleIndexKey, "shared/helpers.py").Result()
	require.NoError(t, err)
	assert.True(t, indexed)
}

// TestPreloadManifest_MalformedManifestIsLogged covers the "failures are
// logged, worker continues" policy: a non-JSON manifest must not panic or
// block startup.
func TestPreloadManifest_MalformedManifestIsLogged(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.redis.Raw().Set(ctx, requirementsKey, `not-json`, 0).Err())

	assert.NotPanics(t, func() { r.PreloadManifest(ctx) })
}
