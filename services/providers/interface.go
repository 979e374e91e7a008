package providers

import (
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/upb/llm-resilience/services/stream"
)

// ChatRequest represents a provider-agnostic chat request
type ChatRequest struct {
	// Model identifier (e.g., "gpt-4o", "claude-3-5-sonnet"). Empty selects
	// the default provider and its default model.
	Model string `json:"model"`

	// Messages in the conversation, in order
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness
	Temperature float64 `json:"temperature,omitempty"`

	// Stream enables incremental delivery
	Stream bool `json:"stream,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// AuthScheme describes how the credential is attached to a request
type AuthScheme struct {
	Header string
	Prefix string
}

var (
	// BearerAuth sends "Authorization: Bearer <key>"
	BearerAuth = AuthScheme{Header: "Authorization", Prefix: "Bearer "}
)

// HeaderAuth sends the raw key in a custom header
func HeaderAuth(header string) AuthScheme {
	return AuthScheme{Header: header}
}

// Apply sets the credential header on h
func (a AuthScheme) Apply(h http.Header, key string) {
	if a.Header == "" || key == "" {
		return
	}
	h.Set(a.Header, a.Prefix+key)
}

// Credential is the outcome of checking a provider key
type Credential int

const (
	CredentialMissing Credential = iota
	CredentialMalformed
	// CredentialLoose passed the length/shape check but not the provider format
	CredentialLoose
	CredentialValid
)

func (c Credential) String() string {
	switch c {
	case CredentialMissing:
		return "missing"
	case CredentialMalformed:
		return "malformed"
	case CredentialLoose:
		return "loose"
	case CredentialValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Usable reports whether a request may be attempted with this credential
func (c Credential) Usable() bool {
	return c == CredentialLoose || c == CredentialValid
}

// DefaultMinKeyLength applies when a spec sets no MinKeyLength
const DefaultMinKeyLength = 20

// Spec describes everything needed to talk to one provider. Specs are built
// at startup and read-only afterwards.
type Spec struct {
	ID       string
	Name     string
	Priority int

	APIKey  string
	BaseURL string
	// ChatPath is appended to BaseURL; "{model}" is replaced by the model id.
	ChatPath string
	// StreamPath overrides ChatPath for streamed requests when set.
	StreamPath string
	// HealthPath is fetched by connection tests and health probes.
	HealthPath string
	Auth       AuthScheme
	Headers    map[string]string

	DefaultModel string
	Timeout      time.Duration

	// KeyPattern is the strict credential format. MinKeyLength drives the
	// looser fallback check.
	KeyPattern   *regexp.Regexp
	MinKeyLength int

	// BuildBody maps a generic request into the provider payload.
	BuildBody func(req *ChatRequest, model string) ([]byte, error)
	// ExtractContent pulls the reply text out of a non-streamed response.
	ExtractContent func(body []byte) (string, error)
	// ParseDelta pulls one text fragment out of a streamed event.
	ParseDelta stream.DeltaParser
}

// DisplayName returns Name, falling back to ID
func (s *Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Endpoint returns the URL for a chat request against model
func (s *Spec) Endpoint(model string, streaming bool) string {
	path := s.ChatPath
	if streaming && s.StreamPath != "" {
		path = s.StreamPath
	}
	return strings.TrimRight(s.BaseURL, "/") + strings.ReplaceAll(path, "{model}", model)
}

// HealthURL returns the URL probed by connection tests
func (s *Spec) HealthURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.HealthPath
}

// CheckCredential validates the configured key, strictly first and then
// with the looser length/shape rule.
func (s *Spec) CheckCredential() Credential {
	key := s.APIKey
	if key == "" {
		return CredentialMissing
	}
	if s.KeyPattern != nil && s.KeyPattern.MatchString(key) {
		return CredentialValid
	}
	if s.KeyPattern == nil && looksLikeKey(key, s.minKeyLength()) {
		return CredentialValid
	}
	if looksLikeKey(key, s.minKeyLength()) {
		return CredentialLoose
	}
	return CredentialMalformed
}

func (s *Spec) minKeyLength() int {
	if s.MinKeyLength > 0 {
		return s.MinKeyLength
	}
	return DefaultMinKeyLength
}

func looksLikeKey(key string, minLen int) bool {
	if len(key) < minLen {
		return false
	}
	for _, r := range key {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// Settings are the per-deployment values a provider adapter needs to build
// its Spec.
type Settings struct {
	ID           string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Priority     int
	Timeout      time.Duration
	Headers      map[string]string
}
