package handlers

import (
	"context"
	"net/http"

	"github.com/deploybay/engine/internal/api/types"
)

type HealthHandler struct {
	ready func(ctx context.Context) error
}

// NewHealthHandler builds the health endpoints. ready is probed by Readiness
// and may be nil when the process has no external dependencies to check.
func NewHealthHandler(ready func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ready: ready}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
				Success: false,
				Error:   &types.APIError{Code: "unavailable", Message: "dependency not ready"},
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ready"}})
}
