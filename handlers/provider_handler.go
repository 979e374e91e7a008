package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-resilience/middleware"
	"github.com/upb/llm-resilience/services/ratelimit"
	"github.com/upb/llm-resilience/services/retry"
	"github.com/upb/llm-resilience/services/routing"
	"github.com/upb/llm-resilience/utils"
	"go.uber.org/zap"
)

// connectionTestTimeout bounds a single provider test
const connectionTestTimeout = 15 * time.Second

// ProviderService exposes provider status and maintenance operations
type ProviderService interface {
	TestConnection(ctx context.Context, id string) routing.ConnectionResult
	CheckAll(ctx context.Context) map[string]routing.ConnectionResult
	ProviderHealth() map[string]bool
	Circuits() map[string]retry.Snapshot
	Limits() map[string]ratelimit.Stats
	Reset()
}

// ProviderStatus is the live state of one provider
type ProviderStatus struct {
	ID        string          `json:"id"`
	Healthy   bool            `json:"healthy"`
	State     string          `json:"state"`
	Circuit   retry.Snapshot  `json:"circuit"`
	RateLimit ratelimit.Stats `json:"rate_limit"`
}

// ProviderHandler handles provider status requests
type ProviderHandler struct {
	service ProviderService
	logger  *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(service ProviderService, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		service: service,
		logger:  logger,
	}
}

// HandleList handles GET /api/v1/providers
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	health := h.service.ProviderHealth()
	circuits := h.service.Circuits()
	limits := h.service.Limits()

	ids := make([]string, 0, len(health))
	for id := range health {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, ProviderStatus{
			ID:        id,
			Healthy:   health[id],
			State:     circuits[id].State.String(),
			Circuit:   circuits[id],
			RateLimit: limits[id],
		})
	}
	_ = utils.WriteOK(w, out)
}

// HandleTest handles POST /api/v1/providers/{id}/test
func (h *ProviderHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), connectionTestTimeout)
	defer cancel()

	result := h.service.TestConnection(ctx, id)
	h.logger.Info("provider connection tested",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("provider", id),
		zap.Bool("success", result.Success))
	_ = utils.WriteOK(w, result)
}

// HandleCheckAll handles GET /api/v1/providers/check
func (h *ProviderHandler) HandleCheckAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectionTestTimeout)
	defer cancel()

	_ = utils.WriteOK(w, h.service.CheckAll(ctx))
}

// HandleReset handles POST /api/v1/providers/reset
func (h *ProviderHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.service.Reset()

	subject := ""
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}
	h.logger.Warn("provider circuits and rate windows reset", zap.String("by", subject))
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse{Message: "Provider state reset"})
}
