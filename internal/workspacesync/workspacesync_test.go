package workspacesync

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/pubsub"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheClient := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { cacheClient.Close() }) //nolint:errcheck

	root := t.TempDir()
	return &Service{root: root, cache: cacheClient}, root
}

func hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// TestApply_WriteEventWritesCacheBeforeDisk covers spec §4.8's loop
// suppression invariant (§8 property 2): applying a write event must update
// the workspace cache entry for the path, so a watcher later observing the
// resulting filesystem write recognizes it as already-applied.
func TestApply_WriteEventWritesCacheBeforeDisk(t *testing.T) {
	svc, root := newTestService(t)
	ctx := context.Background()

	content := []byte("print('hi')")
	h := hash(content)

	svc.Apply(ctx, pubsub.Event{
		Type:        pubsub.EventWrite,
		Path:        "workflows/hello.py",
		ContentB64:  base64.StdEncoding.EncodeToString(content),
		ContentHash: h,
	})

	got, err := os.ReadFile(filepath.Join(root, "workflows/hello.py"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entry, err := svc.cache.GetPath(ctx, "workflows/hello.py")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, h, entry.Hash)
	assert.False(t, entry.IsDeleted)
}

// TestApply_WriteEventHashMismatchDropped covers spec §4.7/§4.8: a write
// event whose declared hash doesn't match its decoded content is dropped
// rather than applied.
func TestApply_WriteEventHashMismatchDropped(t *testing.T) {
	svc, root := newTestService(t)
	ctx := context.Background()

	svc.Apply(ctx, pubsub.Event{
		Type:        pubsub.EventWrite,
		Path:        "workflows/bad.py",
		ContentB64:  base64.StdEncoding.EncodeToString([]byte("tampered")),
		ContentHash: "not-the-real-hash",
	})

	_, err := os.Stat(filepath.Join(root, "workflows/bad.py"))
	assert.True(t, os.IsNotExist(err))

	entry, err := svc.cache.GetPath(ctx, "workflows/bad.py")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// TestApply_DeleteEventTombstonesCache covers spec §4.8's delete path: the
// cache entry becomes a tombstone (IsDeleted=true) rather than being
// removed outright, and the local file disappears.
func TestApply_DeleteEventTombstonesCache(t *testing.T) {
	svc, root := newTestService(t)
	ctx := context.Background()

	full := filepath.Join(root, "workflows/gone.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))

	svc.Apply(ctx, pubsub.Event{Type: pubsub.EventDelete, Path: "workflows/gone.py"})

	_, err := os.Stat(full)
	assert.True(t, os.IsNotExist(err))

	entry, err := svc.cache.GetPath(ctx, "workflows/gone.py")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsDeleted)
}

// TestApply_RenameEventMovesFileAndCache covers spec §4.8's rename path:
// the old path's cache entry is dropped entirely and the new path gets a
// fresh hash entry.
func TestApply_RenameEventMovesFileAndCache(t *testing.T) {
	svc, root := newTestService(t)
	ctx := context.Background()

	oldFull := filepath.Join(root, "workflows/old.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(oldFull), 0o755))
	require.NoError(t, os.WriteFile(oldFull, []byte("body"), 0o644))
	require.NoError(t, svc.cache.SetPath(ctx, "workflows/old.py", cache.WorkspaceEntry{Hash: hash([]byte("body"))}))

	svc.Apply(ctx, pubsub.Event{Type: pubsub.EventRename, OldPath: "workflows/old.py", NewPath: "workflows/new.py"})

	_, err := os.Stat(oldFull)
	assert.True(t, os.IsNotExist(err))

	newContent, err := os.ReadFile(filepath.Join(root, "workflows/new.py"))
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), newContent)

	oldEntry, err := svc.cache.GetPath(ctx, "workflows/old.py")
	require.NoError(t, err)
	assert.Nil(t, oldEntry)

	newEntry, err := svc.cache.GetPath(ctx, "workflows/new.py")
	require.NoError(t, err)
	require.NotNil(t, newEntry)
	assert.Equal(t, hash([]byte("body")), newEntry.Hash)
}
