package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityScope(t *testing.T) {
	org := "org-1"
	assert.Equal(t, "global", Entity{}.Scope())
	assert.Equal(t, "org-1", Entity{OrganizationID: &org}.Scope())
}

func TestConfigEntryScope(t *testing.T) {
	org := "org-2"
	assert.Equal(t, "global", ConfigEntry{}.Scope())
	assert.Equal(t, "org-2", ConfigEntry{OrganizationID: &org}.Scope())
}

func TestUserSelectorString(t *testing.T) {
	assert.Equal(t, "authenticated", UserSelector{Kind: UserSelectorAuthenticated}.String())
	assert.Equal(t, "role:editor", UserSelector{Kind: UserSelectorRole, Role: "editor"}.String())
}

func TestExecutionStatusTerminal(t *testing.T) {
	cases := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionPending, false},
		{ExecutionRunning, false},
		{ExecutionSuccess, true},
		{ExecutionFailed, true},
		{ExecutionCancelled, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.status.Terminal(), tc.status)
	}
}
