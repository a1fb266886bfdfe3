package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

// ─── API key CRUD API (admin-only) ───
//
// Token minting follows the teacher's api_tokens.go shape: 32 random bytes
// hex-encoded behind a fixed prefix, hashed for storage, with the raw
// value returned exactly once at creation time.

const apiKeyPrefix = "bifrost_"

type createAPIKeyRequest struct {
	Name            string  `json:"name"`
	OrganizationID  *string `json:"organization_id"`
	IsPlatformAdmin bool    `json:"is_platform_admin"`
}

// createAPIKeyResponse includes the full bearer token; it is never
// retrievable again after this response.
type createAPIKeyResponse struct {
	Token string          `json:"token"`
	Key   postgres.APIKey `json:"key"`
}

type apiKeysResponse struct {
	Keys []postgres.APIKey `json:"keys"`
}

// ListAPIKeysAPI handles GET /api/v1/api-keys.
func (s *Server) ListAPIKeysAPI(w http.ResponseWriter, r *http.Request) {
	records, err := s.pg.ListAPIKeys(r.Context())
	if err != nil {
		slog.Error("list api keys failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list api keys: %v", err), http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []postgres.APIKey{}
	}

	httpResponseJSON(w, apiKeysResponse{Keys: records}, http.StatusOK)
}

// CreateAPIKeyAPI handles POST /api/v1/api-keys.
func (s *Server) CreateAPIKeyAPI(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		httpResponse(w, "name is required", http.StatusBadRequest)
		return
	}

	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		slog.Error("create api key: random generation failed", "error", err)
		httpResponse(w, "failed to generate api key", http.StatusInternalServerError)
		return
	}
	token := apiKeyPrefix + hex.EncodeToString(rawBytes)

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	key, err := s.pg.CreateAPIKey(r.Context(), req.Name, hash, req.OrganizationID, req.IsPlatformAdmin)
	if err != nil {
		slog.Error("create api key failed", "name", req.Name, "error", err)
		httpResponse(w, fmt.Sprintf("failed to create api key: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, createAPIKeyResponse{Token: token, Key: *key}, http.StatusCreated)
}

// DeleteAPIKeyAPI handles DELETE /api/v1/api-keys/{id}.
func (s *Server) DeleteAPIKeyAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/api-keys/")
	if id == "" {
		httpResponse(w, "api key id is required", http.StatusBadRequest)
		return
	}

	if err := s.pg.DeleteAPIKey(r.Context(), id); err != nil {
		slog.Error("delete api key failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to delete api key: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}
