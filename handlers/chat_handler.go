package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/upb/llm-resilience/middleware"
	"github.com/upb/llm-resilience/services"
	"github.com/upb/llm-resilience/services/providers"
	"github.com/upb/llm-resilience/services/routing"
	"github.com/upb/llm-resilience/utils"
	"go.uber.org/zap"
)

// ChatRequest is the body of POST /api/v1/chat
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int           `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature float64       `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// ChatResponse is the result of a completed chat
type ChatResponse struct {
	ID        string   `json:"id"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Content   string   `json:"content"`
	Attempted []string `json:"attempted"`
	Cached    bool     `json:"cached"`
	LatencyMs int64    `json:"latency_ms"`
}

// ChatService runs a request through the provider fallback chain
type ChatService interface {
	Chat(ctx context.Context, req *providers.ChatRequest, onProgress func(string)) (*routing.ChatOutcome, error)
}

// ChatHandler handles chat requests
type ChatHandler struct {
	service ChatService
	logger  *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(service ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChat handles POST /api/v1/chat. With "stream": true the reply is sent
// as server-sent events, one per delta, followed by a done or error event.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&body); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	req := body.toProviderRequest()
	if body.Stream {
		h.stream(w, r, req)
		return
	}

	outcome, err := h.service.Chat(r.Context(), req, nil)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, newChatResponse(outcome))
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *providers.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "Streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &eventWriter{w: w, flusher: flusher}
	outcome, err := h.service.Chat(r.Context(), req, func(delta string) {
		sse.send("", map[string]string{"delta": delta})
	})
	if err != nil {
		h.logger.Info("streaming chat failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		status := StatusFor(err)
		sse.send("error", utils.ErrorResponse{
			Error:   utils.ErrorCode(status),
			Message: services.UserMessage(err),
			Details: publicDetails(err),
		})
		return
	}
	sse.send("done", newChatResponse(outcome))
}

func (b *ChatRequest) toProviderRequest() *providers.ChatRequest {
	msgs := make([]providers.Message, len(b.Messages))
	for i, m := range b.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return &providers.ChatRequest{
		Model:       b.Model,
		Messages:    msgs,
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
		Stream:      b.Stream,
	}
}

func newChatResponse(o *routing.ChatOutcome) ChatResponse {
	return ChatResponse{
		ID:        o.RequestID,
		Provider:  o.Provider,
		Model:     o.Model,
		Content:   o.Text,
		Attempted: o.Attempted,
		Cached:    o.Cached,
		LatencyMs: o.Latency.Milliseconds(),
	}
}

// eventWriter writes server-sent events
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *eventWriter) send(event string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(e.w, "event: %s\n", event)
	}
	fmt.Fprintf(e.w, "data: %s\n\n", payload)
	e.flusher.Flush()
}
