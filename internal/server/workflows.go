package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

// ─── Entity read API ───

// entitiesResponse wraps a list of entity records for JSON output.
type entitiesResponse struct {
	Entities []model.Entity `json:"entities"`
}

// ListEntitiesAPI handles GET /api/v1/entities. Query params: type,
// active_only, platform_admin, limit, offset.
func (s *Server) ListEntitiesAPI(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())

	filters := postgres.EntityListFilters{
		ActiveOnly:    r.URL.Query().Get("active_only") == "true",
		PlatformAdmin: caller.IsPlatformAdmin && r.URL.Query().Get("platform_admin") == "true",
	}
	if t := r.URL.Query().Get("type"); t != "" {
		typ := model.EntityType(t)
		filters.Type = &typ
	}

	page := postgres.EntityListPagination{
		Limit:  atoiOr(r.URL.Query().Get("limit"), 0),
		Offset: atoiOr(r.URL.Query().Get("offset"), 0),
	}

	records, err := s.repo.ListEntities(r.Context(), caller.OrganizationID, filters, page)
	if err != nil {
		slog.Error("list entities failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list entities: %v", err), http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []model.Entity{}
	}

	httpResponseJSON(w, entitiesResponse{Entities: records}, http.StatusOK)
}

// GetEntityAPI handles GET /api/v1/entities/{id}.
func (s *Server) GetEntityAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/entities/")
	if id == "" {
		httpResponse(w, "entity id is required", http.StatusBadRequest)
		return
	}

	record, err := s.repo.GetEntityByID(r.Context(), id)
	if err != nil {
		slog.Error("get entity failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get entity: %v", err), http.StatusInternalServerError)
		return
	}
	if record == nil {
		httpResponse(w, fmt.Sprintf("entity %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, record, http.StatusOK)
}

// ─── Execution dispatch API ───

// runWorkflowRequest is the JSON body for POST /api/v1/workflows/run/{id}.
type runWorkflowRequest struct {
	Parameters json.RawMessage `json:"parameters"`
}

// runWorkflowResponse is returned for both sync and async dispatch.
type runWorkflowResponse struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      model.ExecutionStatus `json:"status"`
	Result      json.RawMessage       `json:"result,omitempty"`
	ErrorKind   string                `json:"error_kind,omitempty"`
	ErrorMsg    string                `json:"error_message,omitempty"`
}

// defaultSyncTimeout bounds how long a ?sync=true caller blocks for a reply
// before falling back to reporting the pending/running status (spec §9
// Open Question decision: a sync-mode timeout does not cancel the
// execution).
const defaultSyncTimeout = 25 * time.Second

// RunWorkflowAPI handles POST /api/v1/workflows/run/{id}, dispatching a
// workflow entity for execution. access.Checker.CanExecute gates the call
// before anything is enqueued. ?sync=true blocks for the worker's reply
// (up to defaultSyncTimeout); otherwise the call returns immediately with
// the pending execution id.
func (s *Server) RunWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	workflowID := pathTail(r.URL.Path, "/api/v1/workflows/run/")
	if workflowID == "" {
		httpResponse(w, "workflow id is required", http.StatusBadRequest)
		return
	}

	entity, err := s.repo.GetEntityByID(r.Context(), workflowID)
	if err != nil {
		slog.Error("run workflow: lookup failed", "id", workflowID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to look up workflow: %v", err), http.StatusInternalServerError)
		return
	}
	if entity == nil || entity.Type != model.EntityWorkflow {
		httpResponse(w, fmt.Sprintf("workflow %q not found", workflowID), http.StatusNotFound)
		return
	}

	caller := callerFromContext(r.Context())
	allowed, err := s.checker.CanExecute(r.Context(), workflowID, caller.asAccessCaller())
	if err != nil {
		slog.Error("run workflow: authorization check failed", "id", workflowID, "error", err)
		httpResponse(w, fmt.Sprintf("authorization check failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !allowed {
		httpResponse(w, "not authorized to run this workflow", http.StatusForbidden)
		return
	}

	var req runWorkflowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	sync := r.URL.Query().Get("sync") == "true"

	execID, err := s.disp.Enqueue(r.Context(), dispatch.EnqueueParams{
		WorkflowID:   entity.ID,
		FunctionName: entity.FunctionName,
		Path:         entity.Path,
		Parameters:   req.Parameters,
		Caller:       callerIdentity(caller),
		Sync:         sync,
	})
	if err != nil {
		slog.Error("run workflow: dispatch failed", "id", workflowID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to dispatch execution: %s", errorkind.ToTagged(err).Message), errorkind.HTTPStatus(err))
		return
	}

	if !sync {
		httpResponseJSON(w, runWorkflowResponse{ExecutionID: execID, WorkflowID: workflowID, Status: model.ExecutionPending}, http.StatusAccepted)
		return
	}

	reply, ok, err := s.disp.WaitForReply(r.Context(), execID, defaultSyncTimeout)
	if err != nil {
		slog.Error("run workflow: wait for reply failed", "execution_id", execID, "error", err)
		httpResponse(w, fmt.Sprintf("failed waiting for execution: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		// Timeout: execution keeps running, remains pollable via
		// GET /api/v1/executions/{id}.
		httpResponseJSON(w, runWorkflowResponse{ExecutionID: execID, WorkflowID: workflowID, Status: model.ExecutionRunning}, http.StatusAccepted)
		return
	}

	httpResponseJSON(w, runWorkflowResponse{
		ExecutionID: execID,
		WorkflowID:  workflowID,
		Status:      reply.Status,
		Result:      reply.Result,
		ErrorKind:   reply.ErrorKind,
		ErrorMsg:    reply.ErrorMsg,
	}, http.StatusOK)
}

// callerIdentity flattens a requestCaller into the model.CallerIdentity
// snapshot stored alongside the execution record.
func callerIdentity(caller requestCaller) model.CallerIdentity {
	orgID := ""
	if caller.OrganizationID != nil {
		orgID = *caller.OrganizationID
	}
	return model.CallerIdentity{
		UserID:          caller.UserID,
		OrganizationID:  orgID,
		IsPlatformAdmin: caller.IsPlatformAdmin,
		IsAPIKey:        caller.IsAPIKey,
		APIKeyID:        caller.APIKeyID,
	}
}

// ─── Helpers ───

// pathTail extracts the trailing path segment after prefix, mirroring the
// extractSecretID/extractAPITokenID idiom of plain prefix/suffix trimming
// over r.URL.Path rather than named route parameters.
func pathTail(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	tail := strings.TrimPrefix(path, prefix)
	tail = strings.TrimSuffix(tail, "/")
	return tail
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
