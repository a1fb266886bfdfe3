package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackmusick/bifrost-core/internal/access"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Workflow-access derivation API (admin-only) ───
//
// A form or app asserts the complete set of workflow grants it wants in
// one call; ReplaceAccessAPI diffs that against workflow_access and issues
// the minimal insert/delete (internal/access.Derivation.Replace).

type accessReferenceRequest struct {
	WorkflowID     string  `json:"workflow_id"`
	SelectorKind   string  `json:"selector_kind"` // "authenticated" or "role"
	SelectorRole   string  `json:"selector_role"` // set when selector_kind == "role"
	OrganizationID *string `json:"organization_id"`
}

type replaceAccessRequest struct {
	References []accessReferenceRequest `json:"references"`
}

// ReplaceAccessAPI handles POST /api/v1/access/{source_type}/{source_id}.
func (s *Server) ReplaceAccessAPI(w http.ResponseWriter, r *http.Request) {
	rest := pathTail(r.URL.Path, "/api/v1/access/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		httpResponse(w, "source type and source id are required", http.StatusBadRequest)
		return
	}
	sourceType := model.SourceEntityType(parts[0])
	sourceID := parts[1]

	var req replaceAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	refs := make([]access.Reference, 0, len(req.References))
	for _, ref := range req.References {
		selector := model.UserSelector{Kind: model.UserSelectorAuthenticated}
		if ref.SelectorKind == string(model.UserSelectorRole) {
			selector = model.UserSelector{Kind: model.UserSelectorRole, Role: ref.SelectorRole}
		}
		refs = append(refs, access.Reference{
			WorkflowID:     ref.WorkflowID,
			Selector:       selector,
			OrganizationID: ref.OrganizationID,
		})
	}

	if err := s.derivation.Replace(r.Context(), sourceType, sourceID, refs); err != nil {
		slog.Error("replace access failed", "source_type", sourceType, "source_id", sourceID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to replace access: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "access replaced", http.StatusOK)
}
