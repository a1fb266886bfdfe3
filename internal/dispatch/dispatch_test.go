package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/model"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() }) //nolint:errcheck
	return New(nil, redisClient, nil)
}

// TestWriteReplyThenWaitForReply covers spec §4.14 step 3 / §4.13's sync
// wait path: a worker's WriteReply must be visible to a subsequent
// WaitForReply for the same execution id.
func TestWriteReplyThenWaitForReply(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	reply := Reply{
		Status:     model.ExecutionSuccess,
		Result:     []byte(`{"ok":true}`),
		DurationMS: 12,
	}
	require.NoError(t, d.WriteReply(ctx, "exec_1", reply))

	got, ok, err := d.WaitForReply(ctx, "exec_1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, model.ExecutionSuccess, got.Status)
	assert.Equal(t, int64(12), got.DurationMS)
}

// TestWaitForReply_TimesOutWithoutError covers spec §9's Open Question
// decision: a sync-mode timeout returns (nil, false, nil), not an error —
// the execution is left running rather than cancelled.
func TestWaitForReply_TimesOutWithoutError(t *testing.T) {
	d := newTestDispatcher(t)

	got, ok, err := d.WaitForReply(context.Background(), "exec_missing", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

// TestRequestCancelThenCancelFlagExists covers the cooperative cancellation
// flag internal/worker polls during execution (spec §4.14).
func TestRequestCancelThenCancelFlagExists(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	exists, err := d.CancelFlagExists(ctx, "exec_2")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, d.RequestCancel(ctx, "exec_2"))

	exists, err = d.CancelFlagExists(ctx, "exec_2")
	require.NoError(t, err)
	assert.True(t, exists)
}

// TestReadContext_MissingReturnsNotFound covers the worker-side read when a
// context key has expired or was never written.
func TestReadContext_MissingReturnsNotFound(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.ReadContext(context.Background(), "exec_missing")
	require.Error(t, err)
}
