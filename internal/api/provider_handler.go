package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/provider"
)

// ProviderService is the provider router surface exposed over HTTP.
type ProviderService interface {
	Generate(ctx context.Context, req provider.Request) (provider.Response, error)
	HealthCheck(ctx context.Context) ([]provider.BackendStatus, error)
	SwitchActive(ctx context.Context, id string) error
	Statistics() []provider.BackendStatus
	ResetStatistics()
}

// GenerateRequest is the body of POST /api/analysis/generate.
type GenerateRequest struct {
	Prompt         string            `json:"prompt"                    validate:"required"`
	Context        map[string]string `json:"context,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"gte=0,lte=600"`
}

// ProvidersResponse lists backends in rank order.
type ProvidersResponse struct {
	Backends []provider.BackendStatus `json:"backends"`
}

// ProviderHandler serves the analysis and provider administration routes.
type ProviderHandler struct {
	router ProviderService
}

// NewProviderHandler creates a ProviderHandler.
func NewProviderHandler(router ProviderService) *ProviderHandler {
	return &ProviderHandler{router: router}
}

// Generate handles POST /api/analysis/generate.
func (h *ProviderHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	resp, err := h.router.Generate(r.Context(), provider.Request{
		Prompt:  req.Prompt,
		Context: req.Context,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// List handles GET /api/providers.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, ProvidersResponse{Backends: h.router.Statistics()})
}

// Activate handles POST /api/providers/{id}/activate. The id "none" clears
// the override.
func (h *ProviderHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "none" {
		id = ""
	}
	if err := h.router.SwitchActive(r.Context(), id); err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ProvidersResponse{Backends: h.router.Statistics()})
}

// HealthCheck handles POST /api/providers/healthcheck.
func (h *ProviderHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.router.HealthCheck(r.Context())
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ProvidersResponse{Backends: statuses})
}

// ResetStatistics handles POST /api/providers/statistics/reset.
func (h *ProviderHandler) ResetStatistics(w http.ResponseWriter, r *http.Request) {
	h.router.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}
