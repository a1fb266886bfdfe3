package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Execution record CRUD (spec §3 "Execution record", §4.13, §4.14) ───

type executionRow struct {
	ID                   string          `db:"id"`
	WorkflowID           string          `db:"workflow_id"`
	Parameters           json.RawMessage `db:"parameters"`
	CallerUserID         string          `db:"caller_user_id"`
	CallerOrganizationID string          `db:"caller_organization_id"`
	CallerIsPlatformAdmin bool           `db:"caller_is_platform_admin"`
	CallerIsAPIKey       bool            `db:"caller_is_api_key"`
	CallerAPIKeyID       string          `db:"caller_api_key_id"`
	Status               string          `db:"status"`
	StartedAt            time.Time       `db:"started_at"`
	EndedAt              sql.NullTime    `db:"ended_at"`
	DurationMS           int64           `db:"duration_ms"`
	PeakMemoryBytes      int64           `db:"peak_memory_bytes"`
	CPUUserSeconds       float64         `db:"cpu_user_seconds"`
	CPUSystemSeconds     float64         `db:"cpu_system_seconds"`
	Result               json.RawMessage `db:"result"`
	ErrorKind            string          `db:"error_kind"`
	ErrorMessage         string          `db:"error_message"`
	Logs                 string          `db:"logs"`
}

var executionColumns = []any{
	"id", "workflow_id", "parameters",
	"caller_user_id", "caller_organization_id", "caller_is_platform_admin", "caller_is_api_key", "caller_api_key_id",
	"status", "started_at", "ended_at", "duration_ms",
	"peak_memory_bytes", "cpu_user_seconds", "cpu_system_seconds",
	"result", "error_kind", "error_message", "logs",
}

func scanExecutionRow(scan func(dest ...any) error) (*executionRow, error) {
	var row executionRow
	err := scan(
		&row.ID, &row.WorkflowID, &row.Parameters,
		&row.CallerUserID, &row.CallerOrganizationID, &row.CallerIsPlatformAdmin, &row.CallerIsAPIKey, &row.CallerAPIKeyID,
		&row.Status, &row.StartedAt, &row.EndedAt, &row.DurationMS,
		&row.PeakMemoryBytes, &row.CPUUserSeconds, &row.CPUSystemSeconds,
		&row.Result, &row.ErrorKind, &row.ErrorMessage, &row.Logs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func executionRowToModel(row executionRow) model.ExecutionRecord {
	var endedAt *time.Time
	if row.EndedAt.Valid {
		v := row.EndedAt.Time
		endedAt = &v
	}

	return model.ExecutionRecord{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		Parameters: row.Parameters,
		Caller: model.CallerIdentity{
			UserID:          row.CallerUserID,
			OrganizationID:  row.CallerOrganizationID,
			IsPlatformAdmin: row.CallerIsPlatformAdmin,
			IsAPIKey:        row.CallerIsAPIKey,
			APIKeyID:        row.CallerAPIKeyID,
		},
		Status:     model.ExecutionStatus(row.Status),
		StartedAt:  row.StartedAt,
		EndedAt:    endedAt,
		DurationMS: row.DurationMS,
		Metrics: model.ResourceMetrics{
			PeakMemoryBytes:  row.PeakMemoryBytes,
			CPUUserSeconds:   row.CPUUserSeconds,
			CPUSystemSeconds: row.CPUSystemSeconds,
		},
		Result:    row.Result,
		ErrorKind: row.ErrorKind,
		ErrorMsg:  row.ErrorMessage,
		Logs:      row.Logs,
	}
}

// CreateExecution inserts a new execution in model.ExecutionPending (spec
// §4.13: "Mint ... the execution_id ... Write the full pending-execution
// context to Redis" — this is the durable-record half; the Redis context
// write is internal/dispatch's job).
func (p *Postgres) CreateExecution(ctx context.Context, rec model.ExecutionRecord) (*model.ExecutionRecord, error) {
	params := rec.Parameters
	if params == nil {
		params = []byte("{}")
	}

	record := goqu.Record{
		"id":                       rec.ID,
		"workflow_id":              rec.WorkflowID,
		"parameters":               json.RawMessage(params),
		"caller_user_id":           rec.Caller.UserID,
		"caller_organization_id":   rec.Caller.OrganizationID,
		"caller_is_platform_admin": rec.Caller.IsPlatformAdmin,
		"caller_is_api_key":        rec.Caller.IsAPIKey,
		"caller_api_key_id":        rec.Caller.APIKeyID,
		"status":                   string(model.ExecutionPending),
		"started_at":               rec.StartedAt,
	}

	query, _, err := p.goqu.Insert(p.tableExecutions).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert execution query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create execution %q: %w", rec.ID, err)
	}

	return p.GetExecution(ctx, rec.ID)
}

func (p *Postgres) GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	query, _, err := p.goqu.From(p.tableExecutions).
		Select(executionColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get execution query: %w", err)
	}

	row, err := scanExecutionRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil {
		return nil, fmt.Errorf("get execution %q: %w", id, err)
	}
	if row == nil {
		return nil, nil
	}

	m := executionRowToModel(*row)
	return &m, nil
}

// ListExecutionsForWorkflow returns the most recent executions of a workflow
// (newest first), bounded by limit.
func (p *Postgres) ListExecutionsForWorkflow(ctx context.Context, workflowID string, limit int) ([]model.ExecutionRecord, error) {
	ds := p.goqu.From(p.tableExecutions).
		Select(executionColumns...).
		Where(goqu.I("workflow_id").Eq(workflowID)).
		Order(goqu.I("started_at").Desc())

	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list executions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list executions for workflow %q: %w", workflowID, err)
	}
	defer rows.Close()

	var result []model.ExecutionRecord
	for rows.Next() {
		row, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		result = append(result, executionRowToModel(*row))
	}

	return result, rows.Err()
}

// ListRunningExecutions returns every execution currently in "pending" or
// "running" state across all workflows, oldest first — the admin runs
// listing has no single workflow to scope by, unlike ListExecutionsForWorkflow.
func (p *Postgres) ListRunningExecutions(ctx context.Context) ([]model.ExecutionRecord, error) {
	query, _, err := p.goqu.From(p.tableExecutions).
		Select(executionColumns...).
		Where(goqu.I("status").In(string(model.ExecutionPending), string(model.ExecutionRunning))).
		Order(goqu.I("started_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list running executions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	var result []model.ExecutionRecord
	for rows.Next() {
		row, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		result = append(result, executionRowToModel(*row))
	}

	return result, rows.Err()
}

// MarkExecutionRunning transitions pending -> running on worker pickup (spec
// §3: "transitions to 'running' on worker pickup"). Returns errorkind.Conflict
// if the row is not currently pending — the monotone-transition invariant.
func (p *Postgres) MarkExecutionRunning(ctx context.Context, id string) error {
	return p.transitionExecution(ctx, id, model.ExecutionPending, model.ExecutionRunning, goqu.Record{})
}

// CompleteExecution transitions running -> {success, failed, cancelled} and
// records the worker's report (spec §4.14 step 3: "Return {status, result,
// error_kind?, duration_ms, metrics, logs}").
func (p *Postgres) CompleteExecution(ctx context.Context, id string, status model.ExecutionStatus, result []byte, errKind, errMsg, logs string, metrics model.ResourceMetrics, durationMS int64, endedAt time.Time) error {
	if !status.Terminal() {
		return errorkind.Validation(fmt.Sprintf("execution %q: %q is not a terminal status", id, status))
	}

	set := goqu.Record{
		"ended_at":           endedAt,
		"duration_ms":        durationMS,
		"peak_memory_bytes":  metrics.PeakMemoryBytes,
		"cpu_user_seconds":   metrics.CPUUserSeconds,
		"cpu_system_seconds": metrics.CPUSystemSeconds,
		"error_kind":         errKind,
		"error_message":      errMsg,
		"logs":               logs,
	}
	if result != nil {
		set["result"] = json.RawMessage(result)
	}

	return p.transitionExecution(ctx, id, model.ExecutionRunning, status, set)
}

// transitionExecution enforces the monotone status-transition invariant
// (spec §3: "status transitions are monotone; once terminal, only retention
// cleanup may modify it") by gating the UPDATE on the current status.
func (p *Postgres) transitionExecution(ctx context.Context, id string, from, to model.ExecutionStatus, extra goqu.Record) error {
	set := goqu.Record{"status": string(to)}
	for k, v := range extra {
		set[k] = v
	}

	query, _, err := p.goqu.Update(p.tableExecutions).
		Set(set).
		Where(goqu.I("id").Eq(id), goqu.I("status").Eq(string(from))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build transition execution query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("transition execution %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return errorkind.Conflict(fmt.Sprintf("execution %q is not in state %q", id, from))
	}

	return nil
}
