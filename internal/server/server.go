// Package server exposes bifrost-core's control-plane HTTP surface: entity
// (workflow/tool/data_provider) CRUD and execution dispatch, configuration-
// entry administration, and API-key administration. It follows the
// teacher's ada wiring idiom — recover/server/cors/requestid/log/telemetry
// middleware, forward-auth for interactive callers, a bearer-token gate for
// admin-only routes — generalized from the teacher's LLM-gateway surface to
// this core's own domain.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/jackmusick/bifrost-core/internal/access"
	"github.com/jackmusick/bifrost-core/internal/cluster"
	"github.com/jackmusick/bifrost-core/internal/config"
	"github.com/jackmusick/bifrost-core/internal/configresolver"
	"github.com/jackmusick/bifrost-core/internal/crypto"
	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/repository"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

// Server is the control-plane API: entity/execution endpoints for callers,
// config-entry and api-key administration behind adminAuthMiddleware.
type Server struct {
	config config.Server

	server *ada.Server

	repo       *repository.Repository
	pg         *postgres.Postgres
	disp       *dispatch.Dispatcher
	checker    *access.Checker
	derivation *access.Derivation
	resolver   *configresolver.Resolver
	cluster    *cluster.Cluster

	// apiKeyLastUsed throttles UpdateAPIKeyLastUsed writes to at most once
	// per apiKeyLastUsedThrottle per key, mirroring the teacher's
	// tokenLastUsed bookkeeping for its own bearer tokens.
	apiKeyLastUsed sync.Map // map[string]time.Time
}

const apiKeyLastUsedThrottle = 5 * time.Minute

func New(cfg config.Server, repo *repository.Repository, pg *postgres.Postgres, disp *dispatch.Dispatcher, checker *access.Checker, derivation *access.Derivation, resolver *configresolver.Resolver, cl *cluster.Cluster) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:     cfg,
		server:     mux,
		repo:       repo,
		pg:         pg,
		disp:       disp,
		checker:    checker,
		derivation: derivation,
		resolver:   resolver,
		cluster:    cl,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	} else {
		slog.Info("forward auth disabled (no forward_auth config)")
	}

	apiGroup := baseGroup.Group("/api")
	apiGroup.Use(s.identifyCaller())

	// Entity CRUD + execution dispatch.
	apiGroup.GET("/v1/entities", s.ListEntitiesAPI)
	apiGroup.GET("/v1/entities/*", s.GetEntityAPI)
	apiGroup.POST("/v1/workflows/run/*", s.RunWorkflowAPI)
	apiGroup.GET("/v1/workflows/executions/*", s.ListExecutionsAPI)

	// Execution status/cancel (also usable for tool/data_provider runs,
	// since executions are keyed by execution id regardless of entity type).
	apiGroup.GET("/v1/executions/*", s.GetExecutionAPI)
	apiGroup.POST("/v1/executions/cancel/*", s.CancelExecutionAPI)
	apiGroup.GET("/v1/runs", s.ListActiveRunsAPI)

	// Endpoint-trigger surface: a registered, endpoint-enabled entity
	// reachable by name instead of id.
	apiGroup.POST("/v1/trigger/*", s.TriggerByNameAPI)

	// Administration, behind the bearer-token gate.
	adminGroup := apiGroup.Group("/v1")
	adminGroup.Use(s.adminAuthMiddleware())

	adminGroup.GET("/config-entries", s.ListConfigEntriesAPI)
	adminGroup.POST("/config-entries", s.CreateConfigEntryAPI)
	adminGroup.GET("/config-entries/*", s.GetConfigEntryAPI)
	adminGroup.PUT("/config-entries/*", s.UpdateConfigEntryAPI)
	adminGroup.DELETE("/config-entries/*", s.DeleteConfigEntryAPI)

	adminGroup.GET("/api-keys", s.ListAPIKeysAPI)
	adminGroup.POST("/api-keys", s.CreateAPIKeyAPI)
	adminGroup.DELETE("/api-keys/*", s.DeleteAPIKeyAPI)

	adminGroup.POST("/access/*", s.ReplaceAccessAPI)

	settingsGroup := adminGroup.Group("/settings")
	settingsGroup.POST("/rotate-key", s.RotateKeyAPI)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// ─── Caller identification ───

type callerContextKey struct{}

// requestCaller is the authorization-relevant identity resolved for one
// request, built either from an api_keys bearer token or from the
// forward-auth headers an upstream identity provider sets for interactive
// users (spec §4.12).
type requestCaller struct {
	UserID          string
	OrganizationID  *string
	Roles           []string
	IsPlatformAdmin bool
	IsAPIKey        bool
	APIKeyID        string
}

// identifyCaller resolves the bearer token or forward-auth headers into a
// requestCaller and attaches it to the request context for every handler
// under /api. Requests with neither are treated as anonymous — entity CRUD
// and execution dispatch still run can_execute, which always denies an
// anonymous caller (no user id and no API key).
func (s *Server) identifyCaller() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := s.resolveAPIKeyCaller(r)
			if caller == nil {
				caller = s.resolveUserCaller(r)
			}

			ctx := context.WithValue(r.Context(), callerContextKey{}, *caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFromContext(ctx context.Context) requestCaller {
	c, _ := ctx.Value(callerContextKey{}).(requestCaller)
	return c
}

// resolveAPIKeyCaller hashes a bearer token and resolves it against
// api_keys (spec §4.12 step 2: "is_api_key is a short-circuit authorization
// branch"). Returns nil when no bearer token is present or it doesn't
// match a live key.
func (s *Server) resolveAPIKeyCaller(r *http.Request) *requestCaller {
	token := bearerToken(r)
	if token == "" {
		return nil
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	key, err := s.pg.GetAPIKeyByHash(r.Context(), hash)
	if err != nil {
		slog.Error("identify caller: api key lookup failed", "error", err)
		return nil
	}
	if key == nil {
		return nil
	}

	s.touchAPIKeyLastUsed(r.Context(), key.ID)

	return &requestCaller{
		OrganizationID:  key.OrganizationID,
		IsPlatformAdmin: key.IsPlatformAdmin,
		IsAPIKey:        true,
		APIKeyID:        key.ID,
	}
}

// touchAPIKeyLastUsed writes last_used_at at most once per
// apiKeyLastUsedThrottle per key, mirroring the teacher's throttled
// tokenLastUsed bookkeeping.
func (s *Server) touchAPIKeyLastUsed(ctx context.Context, keyID string) {
	now := time.Now()
	if last, ok := s.apiKeyLastUsed.Load(keyID); ok {
		if now.Sub(last.(time.Time)) < apiKeyLastUsedThrottle {
			return
		}
	}
	s.apiKeyLastUsed.Store(keyID, now)

	if err := s.pg.UpdateAPIKeyLastUsed(ctx, keyID); err != nil {
		slog.Warn("identify caller: update last_used failed", "api_key_id", keyID, "error", err)
	}
}

// resolveUserCaller reads the forward-auth headers an upstream identity
// provider is expected to set (spec §10's configuration loading names
// config.Server.UserHeader as the user-identity header).
func (s *Server) resolveUserCaller(r *http.Request) *requestCaller {
	userID := r.Header.Get(s.config.UserHeader)
	var orgID *string
	if v := r.Header.Get("X-Organization-Id"); v != "" {
		orgID = &v
	}

	var roles []string
	if v := r.Header.Get("X-User-Roles"); v != "" {
		roles = strings.Split(v, ",")
	}

	return &requestCaller{
		UserID:          userID,
		OrganizationID:  orgID,
		Roles:           roles,
		IsPlatformAdmin: strings.EqualFold(r.Header.Get("X-Platform-Admin"), "true"),
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return ""
	}
	return token
}

func (c requestCaller) asAccessCaller() access.Caller {
	return access.Caller{
		UserID:          c.UserID,
		OrganizationID:  c.OrganizationID,
		Roles:           c.Roles,
		IsPlatformAdmin: c.IsPlatformAdmin,
		IsAPIKey:        c.IsAPIKey,
	}
}

// adminAuthMiddleware protects admin endpoints (config entries, api keys,
// key rotation). If no admin_token is configured, all admin requests are
// rejected with 403. If configured, requests must provide a matching
// Authorization: Bearer <token> header.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			token := bearerToken(r)
			if token == "" || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ─── Key rotation ───

// rotateKeyRequest is the JSON body for POST /api/v1/settings/rotate-key.
type rotateKeyRequest struct {
	NewKey string `json:"new_key"` // empty disables encryption going forward
}

// RotateKeyAPI re-encrypts every secret-typed config_entries row under a
// new key and broadcasts it to peers, holding the cluster-wide rotation
// lock for the duration.
func (s *Server) RotateKeyAPI(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var newKey []byte
	if req.NewKey != "" {
		key, err := crypto.DeriveKey(req.NewKey)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid new_key: %v", err), http.StatusBadRequest)
			return
		}
		newKey = key
	}

	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			slog.Error("rotate key: acquire cluster lock failed", "error", err)
			httpResponse(w, "failed to acquire rotation lock", http.StatusInternalServerError)
			return
		}
		defer s.cluster.Unlock() //nolint:errcheck
	}

	if err := s.pg.RotateEncryptionKey(r.Context(), newKey); err != nil {
		slog.Error("rotate key: rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to rotate key: %v", err), http.StatusInternalServerError)
		return
	}

	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			slog.Error("rotate key: broadcast failed", "error", err)
		}
	}

	httpResponse(w, "encryption key rotated", http.StatusOK)
}
