package gemini

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
	ID             = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
	defaultTimeout = 60 * time.Second
)

var keyPattern = regexp.MustCompile(`^AIza[0-9A-Za-z_-]{35}$`)

// NewSpec builds the Spec for the Gemini generateContent API
func NewSpec(s providers.Settings) *providers.Spec {
	spec := &providers.Spec{
		ID:             s.ID,
		Name:           "Gemini",
		Priority:       s.Priority,
		APIKey:         s.APIKey,
		BaseURL:        s.BaseURL,
		ChatPath:       "/models/{model}:generateContent",
		StreamPath:     "/models/{model}:streamGenerateContent?alt=sse",
		HealthPath:     "/models",
		Auth:           providers.HeaderAuth("x-goog-api-key"),
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

// buildRequest maps roles onto Gemini's user/model pair and moves system
// messages into systemInstruction. The model is carried in the URL.
func buildRequest(req *providers.ChatRequest, _ string) ([]byte, error) {
	var (
		system   []part
		contents []content
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, part{Text: m.Content})
		case "assistant":
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(contents) == 0 {
		return nil, errors.New("request has no user or assistant messages")
	}

	r := request{Contents: contents}
	if len(system) > 0 {
		r.SystemInstruction = &content{Parts: system}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		r.GenerationConfig = &generationConfig{}
		if req.MaxTokens > 0 {
			r.GenerationConfig.MaxOutputTokens = &req.MaxTokens
		}
		if req.Temperature > 0 {
			r.GenerationConfig.Temperature = &req.Temperature
		}
	}
	return json.Marshal(r)
}

func extractContent(body []byte) (string, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("response has no candidates")
	}
	return joinParts(resp.Candidates[0].Content.Parts), nil
}

func parseDelta(payload []byte) (string, error) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", services.NewServiceError("Gemini reported an error while streaming", errors.New(resp.Error.Message))
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	return joinParts(resp.Candidates[0].Content.Parts), nil
}

func joinParts(parts []part) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type response struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
