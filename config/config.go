package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/llm-resilience/services/ratelimit"
	"github.com/upb/llm-resilience/services/retry"
	"github.com/upb/llm-resilience/utils"
	"gopkg.in/yaml.v3"
)

// Provider kinds with a built-in adapter
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
)

// Route matcher kinds
const (
	MatchPrefix   = "prefix"
	MatchContains = "contains"
	MatchPattern  = "pattern"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	Resilience    ResilienceConfig
	Providers     ProvidersConfig
	Cache         CacheConfig
	Connectivity  ConnectivityConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // zero keeps long streams open
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// AuthConfig holds bearer token settings. Auth is off without a secret.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// ResilienceConfig holds the defaults every provider's engine and limiter
// start from
type ResilienceConfig struct {
	Retry     retry.Config
	RateLimit ratelimit.Config
}

// ProvidersConfig is the provider table, read from PROVIDERS_FILE when set
// and from the environment otherwise
type ProvidersConfig struct {
	Default   string           `yaml:"default_provider"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
	Routes    []RouteConfig    `yaml:"routes" validate:"dive"`
}

// ProviderConfig describes one configured provider
type ProviderConfig struct {
	ID           string            `yaml:"id" validate:"required"`
	Kind         string            `yaml:"kind" validate:"required,oneof=openai anthropic gemini"`
	Name         string            `yaml:"name"`
	APIKey       string            `yaml:"api_key"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	BaseURL      string            `yaml:"base_url" validate:"omitempty,url"`
	DefaultModel string            `yaml:"default_model"`
	Priority     int               `yaml:"priority" validate:"gte=0"`
	Timeout      time.Duration     `yaml:"timeout" validate:"gte=0"`
	Headers      map[string]string `yaml:"headers"`
	RateLimit    *ratelimit.Config `yaml:"rate_limit"`
}

// RouteConfig maps requested models to a provider
type RouteConfig struct {
	Match    string `yaml:"match" validate:"required,oneof=prefix contains pattern"`
	Value    string `yaml:"value" validate:"required"`
	Provider string `yaml:"provider" validate:"required"`
}

// CacheConfig holds response cache settings. A zero TTL disables it.
type CacheConfig struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// ConnectivityConfig holds the connectivity probe settings. Without a URL the
// gateway assumes it is always online.
type ConnectivityConfig struct {
	ProbeURL      string
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_JWT_ISSUER", ""),
			Audience:  getEnv("AUTH_JWT_AUDIENCE", ""),
		},
		Resilience: loadResilienceConfig(),
		Cache: CacheConfig{
			TTL:             getEnvAsDuration("CACHE_TTL", 0),
			MaxEntries:      getEnvAsInt("CACHE_MAX_ENTRIES", 1000),
			CleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      getEnv("CONNECTIVITY_PROBE_URL", ""),
			ProbeTimeout:  getEnvAsDuration("CONNECTIVITY_PROBE_TIMEOUT", 5*time.Second),
			ProbeInterval: getEnvAsDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	providers, err := loadProviders(getEnv("PROVIDERS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c.Resilience); err != nil {
		return fmt.Errorf("resilience settings: %w", err)
	}
	if err := utils.ValidateStruct(c.Providers); err != nil {
		return fmt.Errorf("provider table: %w", err)
	}

	seen := make(map[string]bool, len(c.Providers.Providers))
	for _, p := range c.Providers.Providers {
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Providers.Default != "" && !seen[c.Providers.Default] {
		return fmt.Errorf("default provider %q is not configured", c.Providers.Default)
	}
	for _, r := range c.Providers.Routes {
		if !seen[r.Provider] {
			return fmt.Errorf("route %s %q points to unknown provider %q", r.Match, r.Value, r.Provider)
		}
		if r.Match == MatchPattern {
			if _, err := regexp.Compile(r.Value); err != nil {
				return fmt.Errorf("route pattern %q: %w", r.Value, err)
			}
		}
	}

	if c.IsProduction() && !c.Providers.HasCredential() {
		return fmt.Errorf("at least one LLM provider must be configured in production")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether bearer token auth is on
func (c *AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HasCredential reports whether any provider has an API key
func (p *ProvidersConfig) HasCredential() bool {
	for _, pc := range p.Providers {
		if pc.Key() != "" {
			return true
		}
	}
	return false
}

// Key returns the literal API key, or the value of APIKeyEnv
func (p *ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

func loadResilienceConfig() ResilienceConfig {
	d := retry.DefaultConfig()
	return ResilienceConfig{
		Retry: retry.Config{
			MaxRetries:              getEnvAsInt("RETRY_MAX_RETRIES", d.MaxRetries),
			InitialDelay:            getEnvAsDuration("RETRY_INITIAL_DELAY", d.InitialDelay),
			MaxDelay:                getEnvAsDuration("RETRY_MAX_DELAY", d.MaxDelay),
			BackoffFactor:           getEnvAsFloat("RETRY_BACKOFF_FACTOR", d.BackoffFactor),
			JitterFactor:            getEnvAsFloat("RETRY_JITTER_FACTOR", d.JitterFactor),
			CircuitResetTimeout:     getEnvAsDuration("CIRCUIT_RESET_TIMEOUT", d.CircuitResetTimeout),
			HalfOpenMaxAttempts:     getEnvAsInt("CIRCUIT_HALF_OPEN_MAX_ATTEMPTS", d.HalfOpenMaxAttempts),
			ServiceFailureThreshold: getEnvAsInt("CIRCUIT_SERVICE_FAILURE_THRESHOLD", d.ServiceFailureThreshold),
			NetworkFailureThreshold: getEnvAsInt("CIRCUIT_NETWORK_FAILURE_THRESHOLD", d.NetworkFailureThreshold),
			OfflineWaitTimeout:      getEnvAsDuration("OFFLINE_WAIT_TIMEOUT", d.OfflineWaitTimeout),
			OfflinePollInterval:     getEnvAsDuration("OFFLINE_POLL_INTERVAL", d.OfflinePollInterval),
			HealthProbeTimeout:      getEnvAsDuration("HEALTH_PROBE_TIMEOUT", d.HealthProbeTimeout),
		},
		RateLimit: ratelimit.Config{
			MaxRequests: getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 60),
			Window:      getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			Buffer:      getEnvAsDuration("RATE_LIMIT_BUFFER", ratelimit.DefaultBuffer),
		},
	}
}

// loadProviders reads the provider table from path, or builds the default
// table from the environment when path is empty
func loadProviders(path string) (ProvidersConfig, error) {
	if path == "" {
		return defaultProviders(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ProvidersConfig{}, fmt.Errorf("reading providers file: %w", err)
	}
	var pc ProvidersConfig
	if err := yaml.Unmarshal(data, &pc); err != nil {
		return ProvidersConfig{}, fmt.Errorf("parsing providers file %s: %w", path, err)
	}
	return pc, nil
}

func defaultProviders() ProvidersConfig {
	timeout := getEnvAsDuration("PROVIDER_TIMEOUT", 60*time.Second)
	return ProvidersConfig{
		Default: getEnv("DEFAULT_PROVIDER", ""),
		Providers: []ProviderConfig{
			{
				ID:           KindOpenAI,
				Kind:         KindOpenAI,
				APIKey:       getEnv("OPENAI_API_KEY", ""),
				BaseURL:      getEnv("OPENAI_BASE_URL", ""),
				DefaultModel: getEnv("OPENAI_MODEL", ""),
				Priority:     1,
				Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", timeout),
			},
			{
				ID:           KindAnthropic,
				Kind:         KindAnthropic,
				APIKey:       getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL:      getEnv("ANTHROPIC_BASE_URL", ""),
				DefaultModel: getEnv("ANTHROPIC_MODEL", ""),
				Priority:     2,
				Timeout:      getEnvAsDuration("ANTHROPIC_TIMEOUT", timeout),
			},
			{
				ID:           KindGemini,
				Kind:         KindGemini,
				APIKey:       getEnv("GEMINI_API_KEY", ""),
				BaseURL:      getEnv("GEMINI_BASE_URL", ""),
				DefaultModel: getEnv("GEMINI_MODEL", ""),
				Priority:     3,
				Timeout:      getEnvAsDuration("GEMINI_TIMEOUT", timeout),
			},
		},
		Routes: []RouteConfig{
			{Match: MatchContains, Value: "claude", Provider: KindAnthropic},
			{Match: MatchPrefix, Value: "gemini", Provider: KindGemini},
			{Match: MatchPattern, Value: `^(gpt|o\d|chatgpt)`, Provider: KindOpenAI},
		},
	}
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return getEnvAsInt("SERVER_PORT", 8080)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
