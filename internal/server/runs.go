package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Execution status/listing/cancel API ───
//
// Executions run out-of-process in the worker pool (internal/worker), so
// this server never holds a context.CancelFunc for one — unlike the
// teacher's in-process activeRun/sync.Map tracking, status and cancellation
// here are entirely Postgres reads plus a Redis cancel-flag write
// (internal/dispatch.RequestCancel/CancelFlagExists).

type executionsResponse struct {
	Executions []model.ExecutionRecord `json:"executions"`
}

// ListExecutionsAPI handles GET /api/v1/workflows/executions/{workflow_id}.
func (s *Server) ListExecutionsAPI(w http.ResponseWriter, r *http.Request) {
	workflowID := pathTail(r.URL.Path, "/api/v1/workflows/executions/")
	if workflowID == "" {
		httpResponse(w, "workflow id is required", http.StatusBadRequest)
		return
	}

	limit := atoiOr(r.URL.Query().Get("limit"), 50)

	records, err := s.pg.ListExecutionsForWorkflow(r.Context(), workflowID, limit)
	if err != nil {
		slog.Error("list executions failed", "workflow_id", workflowID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to list executions: %v", err), http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []model.ExecutionRecord{}
	}

	httpResponseJSON(w, executionsResponse{Executions: records}, http.StatusOK)
}

// GetExecutionAPI handles GET /api/v1/executions/{id}.
func (s *Server) GetExecutionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/executions/")
	if id == "" {
		httpResponse(w, "execution id is required", http.StatusBadRequest)
		return
	}

	record, err := s.pg.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("get execution failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get execution: %v", err), http.StatusInternalServerError)
		return
	}
	if record == nil {
		httpResponse(w, fmt.Sprintf("execution %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, record, http.StatusOK)
}

// CancelExecutionAPI handles POST /api/v1/executions/cancel/{id}. It sets
// the cooperative cancel flag internal/worker polls; the execution record
// itself transitions to "cancelled" only once the worker observes the flag
// and reports back, not synchronously here.
func (s *Server) CancelExecutionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/executions/cancel/")
	if id == "" {
		httpResponse(w, "execution id is required", http.StatusBadRequest)
		return
	}

	record, err := s.pg.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("cancel execution: lookup failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to look up execution: %v", err), http.StatusInternalServerError)
		return
	}
	if record == nil {
		httpResponse(w, fmt.Sprintf("execution %q not found", id), http.StatusNotFound)
		return
	}
	if record.Status.Terminal() {
		httpResponse(w, fmt.Sprintf("execution %q already finished with status %q", id, record.Status), http.StatusConflict)
		return
	}

	if err := s.disp.RequestCancel(r.Context(), id); err != nil {
		slog.Error("cancel execution: request cancel failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to request cancellation: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "cancellation requested", http.StatusAccepted)
}

// ListActiveRunsAPI handles GET /api/v1/runs: every execution still pending
// or running, across all workflows.
func (s *Server) ListActiveRunsAPI(w http.ResponseWriter, r *http.Request) {
	records, err := s.pg.ListRunningExecutions(r.Context())
	if err != nil {
		slog.Error("list active runs failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list active runs: %v", err), http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []model.ExecutionRecord{}
	}

	httpResponseJSON(w, executionsResponse{Executions: records}, http.StatusOK)
}
