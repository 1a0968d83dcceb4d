package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deploybay/engine/internal/api/types"
	"github.com/deploybay/engine/internal/services"
)

type ProjectsHandler struct {
	svc services.ProjectService
}

func NewProjectsHandler(svc services.ProjectService) *ProjectsHandler {
	return &ProjectsHandler{svc: svc}
}

func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	resp := types.APIResponse{
		Success: true,
		Data:    items[start:end],
		Meta:    &types.Meta{Page: page, PageSize: size, Total: int64(len(items))},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.ProjectCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.svc.Create(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: p})
}

func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: p})
}
