package postgres

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

// newTestPostgres wires a Postgres against a sqlmock connection using the
// default table prefix, mirroring the teacher's sqlmock.New-then-wrap test
// idiom (no network, no migrations).
func newTestPostgres(t *testing.T, encKey []byte) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	prefix := DefaultTablePrefix
	dbGoqu := goqu.New("postgres", db)

	pg := &Postgres{
		db:                  db,
		goqu:                dbGoqu,
		tableEntities:       goqu.T(prefix + "entities"),
		tableConfigEntries:  goqu.T(prefix + "config_entries"),
		tableFileIndex:      goqu.T(prefix + "file_index"),
		tableWorkflowAccess: goqu.T(prefix + "workflow_access"),
		tableExecutions:     goqu.T(prefix + "executions"),
		tableAPIKeys:        goqu.T(prefix + "api_keys"),
		encKey:              encKey,
	}
	return pg, mock
}
