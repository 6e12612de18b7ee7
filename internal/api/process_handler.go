package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/registry"
)

// ProcessQuerier lists a case's persisted process records.
type ProcessQuerier interface {
	Query(ctx context.Context, caseID string) ([]registry.Process, error)
}

// ProcessListResponse wraps a case's process records.
type ProcessListResponse struct {
	CaseID    string             `json:"case_id"`
	Processes []registry.Process `json:"processes"`
}

// ProcessHandler serves the registry query route so reconnecting clients can
// rebuild their view of a case.
type ProcessHandler struct {
	registry ProcessQuerier
}

// NewProcessHandler creates a ProcessHandler.
func NewProcessHandler(registry ProcessQuerier) *ProcessHandler {
	return &ProcessHandler{registry: registry}
}

// List handles GET /api/cases/{caseID}/processes.
func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	procs, err := h.registry.Query(r.Context(), caseID)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	if procs == nil {
		procs = []registry.Process{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ProcessListResponse{CaseID: caseID, Processes: procs})
}
