package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/internal/adapters/inmem"
	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/adapters/metrics"
	"github.com/loomchat/loom/internal/auth"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/presence"
	"github.com/loomchat/loom/internal/ratelimit"
	"github.com/loomchat/loom/internal/registry"
)

type adminStack struct {
	server  *httptest.Server
	limiter *ratelimit.Limiter
	pres    *presence.Store
}

func newAdminStack(t *testing.T) *adminStack {
	t.Helper()

	store := kv.NewMemoryStore()
	sink := metrics.NewRecordingSink()

	verifier, err := auth.NewVerifier(testSecret, "HS256")
	require.NoError(t, err)
	validator := auth.NewValidator(verifier, inmem.NewUserRepository([]string{"admin"}))

	limiter := ratelimit.New(store, ratelimit.DefaultConfig(), sink)
	reg := registry.New(sink)
	pres := presence.NewStore(store)

	handler := NewAdminHandler(validator, reg, limiter, pres)
	r := chi.NewRouter()
	r.Route("/admin", func(r chi.Router) {
		r.Use(handler.Authorize)
		r.Get("/connections", handler.ListConnections)
		r.Get("/limits/{userID}", handler.GetLimits)
		r.Post("/limits/reset", handler.ResetLimits)
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &adminStack{server: server, limiter: limiter, pres: pres}
}

func adminGet(t *testing.T, s *adminStack, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminAuthorization(t *testing.T) {
	s := newAdminStack(t)

	resp := adminGet(t, s, "/admin/connections", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = adminGet(t, s, "/admin/connections", signToken(t, "mortal"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = adminGet(t, s, "/admin/connections", signToken(t, "admin"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminListConnectionsIncludesGlobalSnapshots(t *testing.T) {
	s := newAdminStack(t)

	now := time.Now().UTC()
	s.pres.Write(context.Background(), domain.Snapshot{ID: "c-remote", UserID: "u9", State: "ready", CreatedAt: now, LastSeen: now})

	resp := adminGet(t, s, "/admin/connections", signToken(t, "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Local  []domain.Snapshot `json:"local"`
		Global []domain.Snapshot `json:"global"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Local)
	require.Len(t, body.Global, 1)
	assert.Equal(t, "c-remote", body.Global[0].ID)
}

func TestAdminLimitsQueryAndReset(t *testing.T) {
	s := newAdminStack(t)
	ctx := context.Background()

	p := domain.Principal{UserID: "u1", Active: true}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.limiter.AdmitMessage(ctx, p, false))
	}

	resp := adminGet(t, s, "/admin/limits/u1", signToken(t, "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var limitsBody struct {
		UserID   string           `json:"user_id"`
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&limitsBody))
	assert.Equal(t, int64(3), limitsBody.Counters["sec"])

	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/admin/limits/reset", strings.NewReader(`{"user_id":"u1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin"))
	resetResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resetResp.Body.Close()
	require.Equal(t, http.StatusOK, resetResp.StatusCode)

	counters, err := s.limiter.Counters(ctx, ratelimit.ScopeUser, "u1")
	require.NoError(t, err)
	assert.Zero(t, counters["sec"])
}

func TestHealthHandler(t *testing.T) {
	store := kv.NewMemoryStore()
	h := NewHealthHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
