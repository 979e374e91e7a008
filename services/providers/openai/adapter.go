package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/upb/llm-resilience/services"
	"github.com/upb/llm-resilience/services/providers"
)

const (
	ID             = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

var keyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`)

// NewSpec builds the Spec for OpenAI or any endpoint speaking the OpenAI
// chat completions protocol.
func NewSpec(s providers.Settings) *providers.Spec {
	spec := &providers.Spec{
		ID:             s.ID,
		Name:           "OpenAI",
		Priority:       s.Priority,
		APIKey:         s.APIKey,
		BaseURL:        s.BaseURL,
		ChatPath:       "/chat/completions",
		HealthPath:     "/models",
		Auth:           providers.BearerAuth,
		Headers:        s.Headers,
		DefaultModel:   s.DefaultModel,
		Timeout:        s.Timeout,
		KeyPattern:     keyPattern,
		BuildBody:      buildRequest,
		ExtractContent: extractContent,
		ParseDelta:     parseDelta,
	}
	if spec.ID == "" {
		spec.ID = ID
	}
	if spec.ID != ID {
		spec.Name = spec.ID
	}
	if spec.BaseURL == "" {
		spec.BaseURL = defaultBaseURL
	} else if !strings.Contains(spec.BaseURL, "api.openai.com") {
		// compatible endpoints issue keys in their own format
		spec.KeyPattern = nil
	}
	if spec.DefaultModel == "" {
		spec.DefaultModel = defaultModel
	}
	if spec.Timeout == 0 {
		spec.Timeout = defaultTimeout
	}
	return spec
}

// buildRequest converts a generic request to the OpenAI format
func buildRequest(req *providers.ChatRequest, model string) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("request has no messages")
	}

	chatReq := ChatRequest{
		Model:    model,
		Messages: make([]Message, len(req.Messages)),
		Stream:   req.Stream,
	}
	for i, msg := range req.Messages {
		chatReq.Messages[i] = Message{Role: msg.Role, Content: msg.Content}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = &req.Temperature
	}

	return json.Marshal(chatReq)
}

func extractContent(body []byte) (string, error) {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func parseDelta(payload []byte) (string, error) {
	var chunk StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if chunk.Error != nil {
		return "", services.NewServiceError("OpenAI reported an error while streaming", errors.New(chunk.Error.Message))
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// OpenAI-specific request/response types

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type StreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
