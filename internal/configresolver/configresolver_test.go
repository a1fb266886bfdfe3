package configresolver

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/crypto"
	"github.com/jackmusick/bifrost-core/internal/model"
)

type fakeRepo struct {
	rows  []model.ConfigEntry
	calls int
}

func (f *fakeRepo) ListConfigScope(ctx context.Context, orgID *string) ([]model.ConfigEntry, error) {
	f.calls++
	return f.rows, nil
}

func newTestClient(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.New(cache.Config{Addr: mr.Addr()})
}

// TestSecretRoundTrip covers spec scenario S4 and §8 property 8: LoadScope
// must cache (and the repository must return) the secret still encrypted;
// Get must decrypt it; and the encrypted form must never equal the
// cleartext.
func TestSecretRoundTrip(t *testing.T) {
	encKey, err := crypto.DeriveKey("test-passphrase")
	require.NoError(t, err)

	ciphertext, err := crypto.Encrypt("plaintext-42", encKey)
	require.NoError(t, err)
	require.NotEqual(t, "plaintext-42", ciphertext)

	repo := &fakeRepo{rows: []model.ConfigEntry{
		{KeyName: "api_key", Value: ciphertext, Type: model.ConfigTypeSecret},
	}}

	redisClient := newTestClient(t)
	resolver := New(repo, redisClient, 0, func() []byte { return encKey })

	org := "org-O"
	scope, err := resolver.LoadScope(context.Background(), &org)
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)

	// The scope map (and what gets cached) must still hold ciphertext.
	require.Equal(t, ciphertext, scope["api_key"].Value)
	require.NotEqual(t, "plaintext-42", scope["api_key"].Value)

	got, err := resolver.Get(scope, "api_key", nil)
	require.NoError(t, err)
	require.Equal(t, "plaintext-42", got)

	// A second LoadScope must hit the Redis cache, not the repository
	// again, and the cached value must still be ciphertext.
	scope2, err := resolver.LoadScope(context.Background(), &org)
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls, "second LoadScope should be served from cache")
	require.Equal(t, ciphertext, scope2["api_key"].Value)
}

func TestGet_ParsesIntBoolJSON(t *testing.T) {
	resolver := New(&fakeRepo{}, newTestClient(t), 0, func() []byte { return nil })

	scope := map[string]Entry{
		"count":   {Value: "42", Type: model.ConfigTypeInt},
		"enabled": {Value: "yes", Type: model.ConfigTypeBool},
		"obj":     {Value: `{"a":1}`, Type: model.ConfigTypeJSON},
		"name":    {Value: "hello", Type: model.ConfigTypeString},
	}

	n, err := resolver.Get(scope, "count", nil)
	require.NoError(t, err)
	require.EqualValues(t, 42, n)

	b, err := resolver.Get(scope, "enabled", nil)
	require.NoError(t, err)
	require.Equal(t, true, b)

	j, err := resolver.Get(scope, "obj", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": float64(1)}, j)

	s, err := resolver.Get(scope, "name", nil)
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestGet_MissingKeyWithoutDefaultFails(t *testing.T) {
	resolver := New(&fakeRepo{}, newTestClient(t), 0, func() []byte { return nil })

	_, err := resolver.Get(map[string]Entry{}, "missing", nil)
	require.Error(t, err)
}

func TestGet_MissingKeyWithDefault(t *testing.T) {
	resolver := New(&fakeRepo{}, newTestClient(t), 0, func() []byte { return nil })

	v, err := resolver.Get(map[string]Entry{}, "missing", "fallback")
	require.NoError(t, err)
	require.Equal(t, "fallback", v)
}
