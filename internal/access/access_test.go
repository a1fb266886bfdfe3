package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIntegrations struct {
	connected bool
	calls     int
}

func (s *stubIntegrations) ConnectedToWorkflow(ctx context.Context, orgID, workflowID string) (bool, error) {
	s.calls++
	return s.connected, nil
}

// TestCanExecute_PlatformAdminShortCircuits covers spec §4.12 step 1 /
// §8 property 6: a platform admin is granted without any downstream check.
func TestCanExecute_PlatformAdminShortCircuits(t *testing.T) {
	integrations := &stubIntegrations{connected: false}
	c := NewChecker(nil, integrations)

	ok, err := c.CanExecute(context.Background(), "not-a-uuid-at-all", Caller{IsPlatformAdmin: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, integrations.calls, "platform admin must not reach the integration check")
}

// TestCanExecute_APIKeyShortCircuits covers spec §4.12 step 2.
func TestCanExecute_APIKeyShortCircuits(t *testing.T) {
	integrations := &stubIntegrations{connected: false}
	c := NewChecker(nil, integrations)

	ok, err := c.CanExecute(context.Background(), "anything", Caller{IsAPIKey: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, integrations.calls)
}

// TestCanExecute_NoUserIDDenied covers spec §4.12 step 3.
func TestCanExecute_NoUserIDDenied(t *testing.T) {
	c := NewChecker(nil, nil)

	ok, err := c.CanExecute(context.Background(), "11111111-1111-1111-1111-111111111111", Caller{})
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCanExecute_MalformedWorkflowIDDenied covers spec §4.12 step 4: an
// unparseable workflow id is denied with zero DB queries.
func TestCanExecute_MalformedWorkflowIDDenied(t *testing.T) {
	c := NewChecker(nil, nil)

	ok, err := c.CanExecute(context.Background(), "not-a-uuid", Caller{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok)
}
