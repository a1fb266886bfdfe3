package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// TestUpsertEntity_InvalidParametersSchemaRejectedBeforeStore covers the
// kin-openapi validation gate in front of UpsertByPathAndFunction (spec §11
// domain-stack row: "validating parameters_schema on upsert"). An invalid
// schema must fail validation without ever reaching the store layer — this
// is checked by passing a nil *postgres.Postgres and confirming no panic.
func TestUpsertEntity_InvalidParametersSchemaRejectedBeforeStore(t *testing.T) {
	r := New(nil)

	_, err := r.UpsertEntity(context.Background(), model.Entity{
		Name:             "broken",
		Type:             model.EntityWorkflow,
		FunctionName:     "broken",
		Path:             "workflows/broken.py",
		ParametersSchema: []byte(`{not json at all`),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errorkind.ErrValidation))
}

// TestUpsertEntity_EmptySchemaReachesStoreLayer documents that an entity
// with no parameters_schema at all never invokes the loader; it still
// reaches the store layer, which is why this test uses a schema-absent
// nil-pg call only to assert it panics past validation (i.e. it tried the
// store), proving the empty-schema case is NOT short-circuited the way an
// invalid one is.
func TestUpsertEntity_EmptySchemaReachesStoreLayer(t *testing.T) {
	r := New(nil)

	assert.Panics(t, func() {
		_, _ = r.UpsertEntity(context.Background(), model.Entity{
			Name:         "ok",
			Type:         model.EntityWorkflow,
			FunctionName: "ok",
			Path:         "workflows/ok.py",
		})
	})
}
