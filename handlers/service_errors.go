package handlers

import (
	"net/http"

	"github.com/upb/llm-resilience/services"
	"github.com/upb/llm-resilience/utils"
	"go.uber.org/zap"
)

// StatusFor maps a domain error to the HTTP status it is reported with
func StatusFor(err error) int {
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeCanceled:
		return http.StatusRequestTimeout
	case services.ErrorTypeCircuitOpen, services.ErrorTypeConfiguration:
		return http.StatusServiceUnavailable
	case services.ErrorTypeTerminalClient, services.ErrorTypeService,
		services.ErrorTypeNetwork, services.ErrorTypeStreamInterrupted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps domain errors to HTTP responses.
// Only the display-safe message reaches the client.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := StatusFor(err)
	details := publicDetails(err)

	if status == http.StatusInternalServerError {
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
	} else {
		logger.Debug("handled service error",
			zap.String("type", string(services.GetErrorType(err))),
			zap.Int("status", status),
			zap.Error(err))
	}

	if err := utils.WriteError(w, status, services.UserMessage(err), details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// publicDetails keeps the detail keys that are safe to return
func publicDetails(err error) map[string]interface{} {
	details := services.GetErrorDetails(err)
	if details == nil {
		return nil
	}
	out := make(map[string]interface{})
	for _, key := range []string{"attempted", "provider", "status"} {
		if v, ok := details[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
