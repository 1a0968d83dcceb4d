package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deploybay/engine/internal/api/types"
	"github.com/deploybay/engine/internal/services"
)

type DeploymentsHandler struct {
	svc services.DeploymentService
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc}
}

// Submit records a deployment for a built artifact and hands it to the
// orchestrator. The response is the pending record; progress is observed by
// polling Get.
func (h *DeploymentsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req types.DeploymentSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.Submit(r.Context(), projectID, req.ArtifactRef, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: d})
}

func (h *DeploymentsHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	items, err := h.svc.List(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: d})
}

func (h *DeploymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}
