package scopedlookup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name string
	Org  string
}

func TestLookup_OrgWinsOverGlobal(t *testing.T) {
	org := "org-1"
	orgScoped := func(ctx context.Context, orgID *string) (*row, error) {
		return &row{Name: "hello", Org: "org-1"}, nil
	}
	globalScoped := func(ctx context.Context, orgID *string) (*row, error) {
		t.Fatal("global query must not be issued when org query hits")
		return nil, nil
	}

	got, err := Lookup[row](context.Background(), &org, orgScoped, globalScoped)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "org-1", got.Org)
}

func TestLookup_FallsBackToGlobal(t *testing.T) {
	org := "org-1"
	orgScoped := func(ctx context.Context, orgID *string) (*row, error) {
		return nil, nil
	}
	globalScoped := func(ctx context.Context, orgID *string) (*row, error) {
		return &row{Name: "hello", Org: "global"}, nil
	}

	got, err := Lookup[row](context.Background(), &org, orgScoped, globalScoped)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "global", got.Org)
}

func TestLookup_NilOrgNeverFallsBack(t *testing.T) {
	orgScoped := func(ctx context.Context, orgID *string) (*row, error) {
		return nil, nil
	}
	globalScoped := func(ctx context.Context, orgID *string) (*row, error) {
		t.Fatal("global query must not run a second time for a nil-org lookup")
		return nil, nil
	}

	got, err := Lookup[row](context.Background(), nil, orgScoped, globalScoped)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLookup_PropagatesError(t *testing.T) {
	org := "org-1"
	boom := assert.AnError
	orgScoped := func(ctx context.Context, orgID *string) (*row, error) {
		return nil, boom
	}
	globalScoped := func(ctx context.Context, orgID *string) (*row, error) {
		t.Fatal("global query must not run when org query errors")
		return nil, nil
	}

	_, err := Lookup[row](context.Background(), &org, orgScoped, globalScoped)
	require.ErrorIs(t, err, boom)
}
