package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(Config{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return c
}

// TestSetPathThenGetPath covers spec §4.6's workspace cache read/write.
func TestSetPathThenGetPath(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetPath(ctx, "workflows/a.py", WorkspaceEntry{Hash: "abc123"}))

	got, err := c.GetPath(ctx, "workflows/a.py")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.Hash)
	assert.False(t, got.IsDeleted)
}

func TestGetPath_MissingReturnsNilWithoutError(t *testing.T) {
	c := newTestClient(t)

	got, err := c.GetPath(context.Background(), "workflows/missing.py")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeletePath_RemovesEntryEntirely(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetPath(ctx, "workflows/a.py", WorkspaceEntry{Hash: "abc"}))
	require.NoError(t, c.DeletePath(ctx, "workflows/a.py"))

	got, err := c.GetPath(ctx, "workflows/a.py")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestWriteConfigScopeThenLoadConfigScope covers spec §4.2's scope cache
// fill/read round trip, including the TTL it sets.
func TestWriteConfigScopeThenLoadConfigScope(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	values := map[string]ConfigCacheEntry{
		"api_key": {Value: "enc:xyz", Type: "secret"},
		"count":   {Value: "5", Type: "int"},
	}
	require.NoError(t, c.WriteConfigScope(ctx, "org-1", values, time.Minute))

	got, err := c.LoadConfigScope(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestLoadConfigScope_MissingScopeReturnsNil(t *testing.T) {
	c := newTestClient(t)

	got, err := c.LoadConfigScope(context.Background(), "org-missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInvalidateConfigScope_ForcesNextLoadToMiss(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.WriteConfigScope(ctx, "org-1", map[string]ConfigCacheEntry{
		"k": {Value: "v", Type: "string"},
	}, time.Minute))
	require.NoError(t, c.InvalidateConfigScope(ctx, "org-1"))

	got, err := c.LoadConfigScope(ctx, "org-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheOrganizationThenGetOrganization(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.CacheOrganization(ctx, "org-1", []byte(`["crm","billing"]`), time.Minute))

	data, ok, err := c.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["crm","billing"]`, string(data))
}

func TestGetOrganization_MissingReturnsFalse(t *testing.T) {
	c := newTestClient(t)

	_, ok, err := c.GetOrganization(context.Background(), "org-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
