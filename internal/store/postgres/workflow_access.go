package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Workflow-access CRUD (spec §3 "Workflow-access tuple", §4.11) ───

type workflowAccessRow struct {
	WorkflowID       string         `db:"workflow_id"`
	UserSelector     string         `db:"user_identity_selector"`
	OrganizationID   sql.NullString `db:"organization_id"`
	SourceEntityType string         `db:"source_entity_type"`
	SourceEntityID   string         `db:"source_entity_id"`
}

// ListAccessForSource returns every row a given form/app currently asserts,
// the "before" side of the diff the form/app subsystem computes on mutation
// (spec §4.11: "diffs against workflow_access, and issues the minimal
// insert/delete").
func (p *Postgres) ListAccessForSource(ctx context.Context, sourceType model.SourceEntityType, sourceID string) ([]model.WorkflowAccess, error) {
	query, _, err := p.goqu.From(p.tableWorkflowAccess).
		Select("workflow_id", "user_identity_selector", "organization_id", "source_entity_type", "source_entity_id").
		Where(goqu.I("source_entity_type").Eq(string(sourceType)), goqu.I("source_entity_id").Eq(sourceID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list access for source query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list access for source %s/%s: %w", sourceType, sourceID, err)
	}
	defer rows.Close()

	var result []model.WorkflowAccess
	for rows.Next() {
		var row workflowAccessRow
		if err := rows.Scan(&row.WorkflowID, &row.UserSelector, &row.OrganizationID, &row.SourceEntityType, &row.SourceEntityID); err != nil {
			return nil, fmt.Errorf("scan workflow access row: %w", err)
		}
		result = append(result, workflowAccessRowToModel(row))
	}

	return result, rows.Err()
}

func workflowAccessRowToModel(row workflowAccessRow) model.WorkflowAccess {
	var orgID *string
	if row.OrganizationID.Valid {
		v := row.OrganizationID.String
		orgID = &v
	}

	sel := model.UserSelector{Kind: model.UserSelectorAuthenticated}
	if role, ok := splitRoleSelector(row.UserSelector); ok {
		sel = model.UserSelector{Kind: model.UserSelectorRole, Role: role}
	}

	return model.WorkflowAccess{
		WorkflowID:       row.WorkflowID,
		UserSelector:     sel,
		OrganizationID:   orgID,
		SourceEntityType: model.SourceEntityType(row.SourceEntityType),
		SourceEntityID:   row.SourceEntityID,
	}
}

const roleSelectorPrefix = "role:"

func splitRoleSelector(selector string) (role string, ok bool) {
	if len(selector) > len(roleSelectorPrefix) && selector[:len(roleSelectorPrefix)] == roleSelectorPrefix {
		return selector[len(roleSelectorPrefix):], true
	}
	return "", false
}

// ReplaceAccessForSource recomputes the rows a single form/app asserts in one
// transaction: delete every existing row for (sourceType, sourceID), insert
// the rows in want. Spec §5: "Workflow-access derivation must commit its
// delta in the same DB transaction as the form/app mutation that caused it"
// — this method opens and commits its own transaction; it does not join a
// transaction the caller already holds.
func (p *Postgres) ReplaceAccessForSource(ctx context.Context, sourceType model.SourceEntityType, sourceID string, want []model.WorkflowAccess) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deleteQuery, _, err := p.goqu.Delete(p.tableWorkflowAccess).
		Where(goqu.I("source_entity_type").Eq(string(sourceType)), goqu.I("source_entity_id").Eq(sourceID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete access query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return fmt.Errorf("delete existing access rows: %w", err)
	}

	for _, row := range want {
		record := goqu.Record{
			"workflow_id":            row.WorkflowID,
			"user_identity_selector": row.UserSelector.String(),
			"source_entity_type":     string(sourceType),
			"source_entity_id":       sourceID,
		}
		if row.OrganizationID != nil {
			record["organization_id"] = *row.OrganizationID
		} else {
			record["organization_id"] = nil
		}

		insertQuery, _, err := p.goqu.Insert(p.tableWorkflowAccess).Rows(record).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert access query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
			return fmt.Errorf("insert access row for workflow %q: %w", row.WorkflowID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// HasWorkflowAccess is §4.12's query B: does a workflow_access row exist for
// (workflowID, callerOrgID-or-global) matching either the "authenticated"
// selector or one of the caller's roles. Called only after query A (the
// integration-connection check, owned by internal/access) has missed.
func (p *Postgres) HasWorkflowAccess(ctx context.Context, workflowID string, callerOrgID *string, callerRoles []string) (bool, error) {
	selectors := make([]any, 0, len(callerRoles)+1)
	selectors = append(selectors, string(model.UserSelectorAuthenticated))
	for _, role := range callerRoles {
		selectors = append(selectors, roleSelectorPrefix+role)
	}

	scopeExpr := goqu.I("organization_id").IsNull()
	if callerOrgID != nil {
		scopeExpr = goqu.Or(goqu.I("organization_id").Eq(*callerOrgID), goqu.I("organization_id").IsNull())
	}

	query, _, err := p.goqu.From(p.tableWorkflowAccess).
		Select(goqu.COUNT("*")).
		Where(
			goqu.I("workflow_id").Eq(workflowID),
			scopeExpr,
			goqu.I("user_identity_selector").In(selectors...),
		).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build workflow access check query: %w", err)
	}

	var count int64
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return false, fmt.Errorf("check workflow access for %q: %w", workflowID, err)
	}

	return count > 0, nil
}
