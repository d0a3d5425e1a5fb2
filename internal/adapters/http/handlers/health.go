package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/loomchat/loom/internal/adapters/kv"
)

type HealthHandler struct {
	store kv.Store
}

func NewHealthHandler(store kv.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "kv": "ok"}
	code := http.StatusOK
	if _, err := h.store.Set(ctx, "health:probe", []byte("1"), 10*time.Second); err != nil {
		status["status"] = "degraded"
		status["kv"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
