package handlers

import (
	"net/http"
	"time"

	"github.com/upb/llm-resilience/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessChecker reports whether any provider can take traffic
type ReadinessChecker interface {
	Ready() bool
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	readiness ReadinessChecker
	providers ProviderService
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(readiness ReadinessChecker, providers ProviderService, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		readiness: readiness,
		providers: providers,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if the process is serving
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Ready while at least one provider has a usable key and a circuit that
// admits calls.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	for id, healthy := range h.providers.ProviderHealth() {
		if healthy {
			checks[id] = "healthy"
		} else {
			checks[id] = "circuit_open"
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !h.readiness.Ready() {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed", zap.Any("checks", checks))
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
