package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomchat/loom/internal/auth"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/presence"
	"github.com/loomchat/loom/internal/ratelimit"
	"github.com/loomchat/loom/internal/registry"
)

const adminOpTimeout = 5 * time.Second

// AdminHandler exposes observability and repair operations. Every route
// requires a bearer token whose principal carries the admin flag.
type AdminHandler struct {
	validator *auth.Validator
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	presence  *presence.Store
}

func NewAdminHandler(validator *auth.Validator, reg *registry.Registry, limiter *ratelimit.Limiter, pres *presence.Store) *AdminHandler {
	return &AdminHandler{validator: validator, registry: reg, limiter: limiter, presence: pres}
}

// Authorize gates admin routes on an admin principal.
func (h *AdminHandler) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		principal, err := h.validator.Authenticate(r.Context(), token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !principal.Admin {
			writeJSONError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ListConnections merges the local registry view with the cross-process
// snapshots from the KV store.
func (h *AdminHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	local := h.registry.List()

	var global []domain.Snapshot
	if h.presence != nil {
		if snaps, err := h.presence.List(r.Context()); err == nil {
			global = snaps
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"local":  local,
		"global": global,
	})
}

// GetLimits reports the live rate counters for one user.
func (h *AdminHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	counters, err := h.limiter.Counters(r.Context(), ratelimit.ScopeUser, userID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"counters": counters,
	})
}

type resetRequest struct {
	UserID             string `json:"user_id"`
	IncludeConnections bool   `json:"include_connections"`
}

// ResetLimits clears rate counters for a user, or globally when user_id is
// empty.
func (h *AdminHandler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminOpTimeout)
	defer cancel()

	n, err := h.limiter.Reset(ctx, req.UserID, req.IncludeConnections)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
