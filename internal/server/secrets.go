package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Configuration entry CRUD API (admin-only) ───
//
// configEntryRequest/Response mirror the teacher's flat secret CRUD shape,
// generalized to configuration entries scoped by organization and tagged
// with a value type. The list endpoint returns secret-typed values still
// encrypted (it shares ListConfigScope with internal/configresolver, which
// must never see cleartext land in its Redis cache); the single-entry get
// endpoint decrypts, since a direct by-ID fetch is the deliberate "reveal"
// path for an admin who already knows the entry exists.

type configEntryRequest struct {
	OrganizationID *string               `json:"organization_id"`
	KeyName        string                `json:"key_name"`
	Value          string                `json:"value"`
	Type           model.ConfigValueType `json:"type"`
	Description    string                `json:"description"`
}

type configEntriesResponse struct {
	ConfigEntries []model.ConfigEntry `json:"config_entries"`
}

// ListConfigEntriesAPI handles GET /api/v1/config-entries?organization_id=.
func (s *Server) ListConfigEntriesAPI(w http.ResponseWriter, r *http.Request) {
	var orgID *string
	if v := r.URL.Query().Get("organization_id"); v != "" {
		orgID = &v
	}

	records, err := s.repo.ListConfigScope(r.Context(), orgID)
	if err != nil {
		slog.Error("list config entries failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list config entries: %v", err), http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []model.ConfigEntry{}
	}

	httpResponseJSON(w, configEntriesResponse{ConfigEntries: records}, http.StatusOK)
}

// GetConfigEntryAPI handles GET /api/v1/config-entries/{id}.
func (s *Server) GetConfigEntryAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/config-entries/")
	if id == "" {
		httpResponse(w, "config entry id is required", http.StatusBadRequest)
		return
	}

	record, err := s.repo.GetConfigEntry(r.Context(), id)
	if err != nil {
		slog.Error("get config entry failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get config entry: %v", err), http.StatusInternalServerError)
		return
	}
	if record == nil {
		httpResponse(w, fmt.Sprintf("config entry %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, record, http.StatusOK)
}

// CreateConfigEntryAPI handles POST /api/v1/config-entries.
func (s *Server) CreateConfigEntryAPI(w http.ResponseWriter, r *http.Request) {
	var req configEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.KeyName == "" {
		httpResponse(w, "key_name is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = model.ConfigTypeString
	}

	record, err := s.repo.CreateConfigEntry(r.Context(), model.ConfigEntry{
		OrganizationID: req.OrganizationID,
		KeyName:        req.KeyName,
		Value:          req.Value,
		Type:           req.Type,
		Description:    req.Description,
	})
	if err != nil {
		slog.Error("create config entry failed", "key_name", req.KeyName, "error", err)
		httpResponse(w, fmt.Sprintf("failed to create config entry: %s", errorkind.ToTagged(err).Message), errorkind.HTTPStatus(err))
		return
	}

	httpResponseJSON(w, record, http.StatusCreated)
}

// UpdateConfigEntryAPI handles PUT /api/v1/config-entries/{id}.
func (s *Server) UpdateConfigEntryAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/config-entries/")
	if id == "" {
		httpResponse(w, "config entry id is required", http.StatusBadRequest)
		return
	}

	var req configEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = model.ConfigTypeString
	}

	record, err := s.repo.UpdateConfigEntry(r.Context(), id, model.ConfigEntry{
		Value:       req.Value,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		slog.Error("update config entry failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to update config entry: %s", errorkind.ToTagged(err).Message), errorkind.HTTPStatus(err))
		return
	}

	httpResponseJSON(w, record, http.StatusOK)
}

// DeleteConfigEntryAPI handles DELETE /api/v1/config-entries/{id}.
func (s *Server) DeleteConfigEntryAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/config-entries/")
	if id == "" {
		httpResponse(w, "config entry id is required", http.StatusBadRequest)
		return
	}

	if err := s.repo.DeleteConfigEntry(r.Context(), id); err != nil {
		slog.Error("delete config entry failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to delete config entry: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}
