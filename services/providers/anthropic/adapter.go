package anthropic

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
	ID               = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-haiku-latest"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

var keyPattern = regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`)

// NewSpec builds the Spec for the Anthropic messages API
func NewSpec(s providers.Settings) *providers.Spec {
	headers := map[string]string{"anthropic-version": apiVersion}
	for k, v := range s.Headers {
		headers[k] = v
	}

	spec := &providers.Spec{
		ID:             s.ID,
		Name:           "Anthropic",
		Priority:       s.Priority,
		APIKey:         s.APIKey,
		BaseURL:        s.BaseURL,
		ChatPath:       "/v1/messages",
		HealthPath:     "/v1/models",
		Auth:           providers.HeaderAuth("x-api-key"),
		Headers:        headers,
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
	if spec.BaseURL == "" {
		spec.BaseURL = defaultBaseURL
	}
	if spec.DefaultModel == "" {
		spec.DefaultModel = defaultModel
	}
	if spec.Timeout == 0 {
		spec.Timeout = defaultTimeout
	}
	return spec
}

// buildRequest lifts system messages into the top-level system field, which
// is where the messages API expects them.
func buildRequest(req *providers.ChatRequest, model string) ([]byte, error) {
	var system []string
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, errors.New("request has no user or assistant messages")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	r := request{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  msgs,
		System:    strings.Join(system, "\n\n"),
		Stream:    req.Stream,
	}
	if req.Temperature > 0 {
		r.Temperature = &req.Temperature
	}
	return json.Marshal(r)
}

func extractContent(body []byte) (string, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 && len(resp.Content) == 0 {
		return "", errors.New("response has no content blocks")
	}
	return sb.String(), nil
}

func parseDelta(payload []byte) (string, error) {
	var ev streamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", err
	}
	switch ev.Type {
	case "content_block_delta":
		return ev.Delta.Text, nil
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return "", services.NewServiceError("Anthropic reported an error while streaming", errors.New(msg))
	case "":
		return "", errors.New("event has no type")
	default:
		return "", nil
	}
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
