package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deploybay/engine/internal/api/types"
	"github.com/deploybay/engine/internal/services"
)

type DomainsHandler struct {
	svc services.DomainService
}

func NewDomainsHandler(svc services.DomainService) *DomainsHandler {
	return &DomainsHandler{svc: svc}
}

func (h *DomainsHandler) Bind(w http.ResponseWriter, r *http.Request) {
	var req types.DomainBindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var pin *uuid.UUID
	if req.DeploymentID != "" {
		id, err := uuid.Parse(req.DeploymentID)
		if err != nil {
			writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
			return
		}
		pin = &id
	}
	b, err := h.svc.Bind(r.Context(), req.Hostname, projectID, pin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: b})
}

func (h *DomainsHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if hostname == "" {
		writeErrorStr(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if err := h.svc.Unbind(r.Context(), hostname); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *DomainsHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	items, err := h.svc.ListByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}
