package api

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/platform/logger"
	"github.com/phrazzld/casework/internal/platform/metrics"
)

const healthPingTimeout = 2 * time.Second

// Pinger checks store connectivity. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Uptime string `json:"uptime"`
}

// OpsHandler serves liveness and metrics.
type OpsHandler struct {
	store   Pinger
	metrics *metrics.Registry
	started time.Time
}

// NewOpsHandler creates an OpsHandler. store may be nil when the registry is
// held in memory.
func NewOpsHandler(store Pinger, reg *metrics.Registry) *OpsHandler {
	return &OpsHandler{store: store, metrics: reg, started: time.Now()}
}

// Health handles GET /health. It answers 503 when the store does not respond.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "memory", Uptime: time.Since(h.started).Round(time.Second).String()}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		resp.Store = "ok"
		if err := h.store.PingContext(ctx); err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Metrics handles GET /metrics in Prometheus text exposition format.
func (h *OpsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.metrics.RenderPrometheus(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to collect metrics", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.FromContext(r.Context()).Warn("failed to write metrics", "error", err)
	}
}
