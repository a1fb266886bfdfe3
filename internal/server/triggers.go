package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Endpoint-trigger (webhook) API ───
//
// TriggerByNameAPI follows the teacher's WebhookAPI shape — look the target
// up, check it is reachable this way and the caller is authorized, buffer
// the request body, dispatch, and respond sync or async — generalized from
// looking a trigger record up by id-or-alias to looking an endpoint-enabled
// workflow entity up by (scope, name) via internal/repository.

// TriggerByNameAPI handles POST /api/v1/trigger/{name}: dispatches the
// caller's organization-scoped (falling back to global) endpoint-enabled
// workflow entity named name.
func (s *Server) TriggerByNameAPI(w http.ResponseWriter, r *http.Request) {
	name := pathTail(r.URL.Path, "/api/v1/trigger/")
	if name == "" {
		httpResponse(w, "entity name is required", http.StatusBadRequest)
		return
	}

	caller := callerFromContext(r.Context())

	entity, err := s.repo.GetEntityByName(r.Context(), caller.OrganizationID, model.EntityWorkflow, name)
	if err != nil {
		slog.Error("trigger by name: lookup failed", "name", name, "error", err)
		httpResponse(w, fmt.Sprintf("failed to look up workflow: %v", err), http.StatusInternalServerError)
		return
	}
	if entity == nil {
		httpResponse(w, fmt.Sprintf("workflow %q not found", name), http.StatusNotFound)
		return
	}
	if !entity.IsActive {
		httpResponse(w, fmt.Sprintf("workflow %q is not active", name), http.StatusNotFound)
		return
	}
	if !entity.EndpointEnabled {
		httpResponse(w, fmt.Sprintf("workflow %q is not endpoint-enabled", name), http.StatusForbidden)
		return
	}

	allowed, err := s.checker.CanExecute(r.Context(), entity.ID, caller.asAccessCaller())
	if err != nil {
		slog.Error("trigger by name: authorization check failed", "name", name, "error", err)
		httpResponse(w, fmt.Sprintf("authorization check failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !allowed {
		httpResponse(w, "not authorized to trigger this workflow", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponse(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}

	params := triggerParameters(r, body)

	sync := r.URL.Query().Get("sync") == "true"

	execID, err := s.disp.Enqueue(r.Context(), dispatch.EnqueueParams{
		WorkflowID:   entity.ID,
		FunctionName: entity.FunctionName,
		Path:         entity.Path,
		Parameters:   params,
		Caller:       callerIdentity(caller),
		Sync:         sync,
	})
	if err != nil {
		slog.Error("trigger by name: dispatch failed", "name", name, "error", err)
		httpResponse(w, fmt.Sprintf("failed to dispatch execution: %s", errorkind.ToTagged(err).Message), errorkind.HTTPStatus(err))
		return
	}

	if !sync {
		httpResponseJSON(w, runWorkflowResponse{ExecutionID: execID, WorkflowID: entity.ID, Status: model.ExecutionPending}, http.StatusAccepted)
		return
	}

	reply, ok, err := s.disp.WaitForReply(r.Context(), execID, defaultSyncTimeout)
	if err != nil {
		slog.Error("trigger by name: wait for reply failed", "execution_id", execID, "error", err)
		httpResponse(w, fmt.Sprintf("failed waiting for execution: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		httpResponseJSON(w, runWorkflowResponse{ExecutionID: execID, WorkflowID: entity.ID, Status: model.ExecutionRunning}, http.StatusAccepted)
		return
	}

	httpResponseJSON(w, runWorkflowResponse{
		ExecutionID: execID,
		WorkflowID:  entity.ID,
		Status:      reply.Status,
		Result:      reply.Result,
		ErrorKind:   reply.ErrorKind,
		ErrorMsg:    reply.ErrorMsg,
	}, http.StatusOK)
}

// triggerParameters builds the inputs map an endpoint-triggered function
// receives: method, query, headers, and the raw body (parsed as JSON when
// the caller sent application/json, passed through as a string otherwise).
func triggerParameters(r *http.Request, body []byte) json.RawMessage {
	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	query := map[string]string{}
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	var bodyValue any
	if len(body) > 0 {
		if r.Header.Get("Content-Type") == "application/json" {
			var decoded any
			if err := json.Unmarshal(body, &decoded); err == nil {
				bodyValue = decoded
			} else {
				bodyValue = string(body)
			}
		} else {
			bodyValue = string(body)
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"method":  r.Method,
		"query":   query,
		"headers": headers,
		"body":    bodyValue,
	})
	return payload
}
