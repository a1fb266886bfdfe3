package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/model"
)

// TestHasWorkflowAccess_TrueAndFalse covers the §4.12 step-6 lookup used
// after the integration check (query A) misses.
func TestHasWorkflowAccess_TrueAndFalse(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "bifrost_workflow_access"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	org := "org-1"
	ok, err := pg.HasWorkflowAccess(context.Background(), "wf-1", &org, []string{"editor"})
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "bifrost_workflow_access"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err = pg.HasWorkflowAccess(context.Background(), "wf-1", &org, []string{"viewer"})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestReplaceAccessForSource_DeletesThenInserts covers the replace of a
// source's workflow_access rows: every existing row is deleted and the
// wanted rows inserted, in a single transaction (spec §5's commit-together
// requirement).
func TestReplaceAccessForSource_DeletesThenInserts(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "bifrost_workflow_access"`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO "bifrost_workflow_access"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.ReplaceAccessForSource(context.Background(), model.SourceEntityForm, "form-1", []model.WorkflowAccess{
		{
			WorkflowID:   "wf-1",
			UserSelector: model.UserSelector{Kind: model.UserSelectorRole, Role: "editor"},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestReplaceAccessForSource_EmptyWantOnlyDeletes covers the "revoked
// reference" half of S5: a form that no longer references any workflow
// clears its rows without inserting new ones.
func TestReplaceAccessForSource_EmptyWantOnlyDeletes(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "bifrost_workflow_access"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.ReplaceAccessForSource(context.Background(), model.SourceEntityForm, "form-1", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
