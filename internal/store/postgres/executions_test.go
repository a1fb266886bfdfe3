package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// TestMarkExecutionRunning_RequiresPending covers spec §3's monotone
// status-transition invariant: the UPDATE only affects a row currently
// "pending"; zero rows affected surfaces as errorkind.Conflict rather than
// silently succeeding.
func TestMarkExecutionRunning_RequiresPending(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectExec(`UPDATE "bifrost_executions"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := pg.MarkExecutionRunning(context.Background(), "exec-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorkind.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExecutionRunning_Succeeds(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectExec(`UPDATE "bifrost_executions"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.MarkExecutionRunning(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCompleteExecution_RejectsNonTerminalStatus covers spec §3's
// "only retention cleanup may modify" a terminal row: CompleteExecution
// refuses to transition into a non-terminal status at all, never issuing a
// query.
func TestCompleteExecution_RejectsNonTerminalStatus(t *testing.T) {
	pg, _ := newTestPostgres(t, nil)

	err := pg.CompleteExecution(context.Background(), "exec-1", model.ExecutionRunning,
		nil, "", "", "", model.ResourceMetrics{}, 0, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorkind.ErrValidation))
}

func TestCompleteExecution_SuccessTransition(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectExec(`UPDATE "bifrost_executions"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.CompleteExecution(context.Background(), "exec-1", model.ExecutionSuccess,
		[]byte(`{"got":"a"}`), "", "", "", model.ResourceMetrics{}, 42, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
