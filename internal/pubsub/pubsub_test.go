package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "bifrost:workspace:sync")
}

// TestPublishWrite_RoundTrips covers spec §4.7: a write event carries path,
// base64 content and the hex content hash, and a subscriber decodes exactly
// that shape back out.
func TestPublishWrite_RoundTrips(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.PublishWrite(ctx, "workflows/x.py", []byte("A"), "deadbeef"))

	select {
	case ev := <-events:
		require.Equal(t, EventWrite, ev.Type)
		require.Equal(t, "workflows/x.py", ev.Path)
		require.Equal(t, "deadbeef", ev.ContentHash)
		require.NotEmpty(t, ev.ContentB64)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishRename_RoundTrips(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.PublishRename(ctx, "workflows/hello.py", "workflows/hi.py"))

	select {
	case ev := <-events:
		require.Equal(t, EventRename, ev.Type)
		require.Equal(t, "workflows/hello.py", ev.OldPath)
		require.Equal(t, "workflows/hi.py", ev.NewPath)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
