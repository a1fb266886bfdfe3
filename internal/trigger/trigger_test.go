package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/model"
)

func newTestDisp(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheClient := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { cacheClient.Close() }) //nolint:errcheck
	return dispatch.New(nil, cacheClient, nil)
}

// TestReload_NoScheduledWorkflowsIsNotAnError covers the "entities list is
// empty or has nothing schedulable" branch of reload: it must succeed with
// no cron runner built, rather than erroring.
func TestReload_NoScheduledWorkflowsIsNotAnError(t *testing.T) {
	lister := func(ctx context.Context) ([]model.Entity, error) { return nil, nil }
	s := New(lister, newTestDisp(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Nil(t, s.cron)
}

// TestReload_FiltersNonWorkflowAndUnscheduledEntities covers the filter in
// reload: only workflow entities with a non-empty schedule become cron
// jobs. A tool entity and a schedule-less workflow both contribute
// nothing, so the runner still ends up with nothing to start.
func TestReload_FiltersNonWorkflowAndUnscheduledEntities(t *testing.T) {
	lister := func(ctx context.Context) ([]model.Entity, error) {
		return []model.Entity{
			{ID: "e1", Type: model.EntityTool, Schedule: "* * * * *"},
			{ID: "e2", Type: model.EntityWorkflow, Schedule: ""},
		}, nil
	}
	s := New(lister, newTestDisp(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Nil(t, s.cron)
}

// TestReload_PropagatesListerError covers reload's error wrapping when the
// entity lister itself fails.
func TestReload_PropagatesListerError(t *testing.T) {
	wantErr := errors.New("db unavailable")
	lister := func(ctx context.Context) ([]model.Entity, error) { return nil, wantErr }
	s := New(lister, newTestDisp(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wantErr))
}

// TestStop_WithoutStartIsSafe covers calling Stop before any cron runner
// was ever built.
func TestStop_WithoutStartIsSafe(t *testing.T) {
	s := New(nil, newTestDisp(t), nil)
	assert.NotPanics(t, func() { s.Stop() })
}
