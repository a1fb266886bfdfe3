package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/cache"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheClient := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { cacheClient.Close() }) //nolint:errcheck

	return &Watcher{root: root, cache: cacheClient, pending: make(map[string]fsnotify.Op)}
}

// TestProcessPath_SuppressesMatchingWrite covers spec §4.9 / §8 property 2:
// when the cached hash for a path already matches the on-disk content (the
// state left behind by workspacesync.Apply), processPath must not touch
// the file index or bus at all — nil fields here would panic if it tried.
func TestProcessPath_SuppressesMatchingWrite(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	ctx := context.Background()

	content := []byte("print('hi')")
	full := filepath.Join(root, "workflows/hello.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, content, 0o644))

	sum := sha256.Sum256(content)
	h := hex.EncodeToString(sum[:])
	require.NoError(t, w.cache.SetPath(ctx, "workflows/hello.py", cache.WorkspaceEntry{Hash: h}))

	assert.NotPanics(t, func() {
		w.processPath(ctx, "workflows/hello.py", fsnotify.Write)
	})
}

// TestProcessPath_SuppressesAlreadyDeleted covers the delete half of the
// same property: a path already tombstoned in the cache must not trigger
// another file-index delete or publish.
func TestProcessPath_SuppressesAlreadyDeleted(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	ctx := context.Background()

	require.NoError(t, w.cache.SetPath(ctx, "workflows/gone.py", cache.WorkspaceEntry{IsDeleted: true}))

	assert.NotPanics(t, func() {
		w.processPath(ctx, "workflows/gone.py", fsnotify.Remove)
	})
}

// TestExcluded covers spec §4.9's exclude-glob check feeding into onEvent.
func TestExcluded(t *testing.T) {
	w := &Watcher{excludeGlobs: DefaultExcludeGlobs()}

	assert.True(t, w.excluded(".git/HEAD"))
	assert.True(t, w.excluded("workflows/scratch.tmp"))
	assert.False(t, w.excluded("workflows/hello.py"))
}
