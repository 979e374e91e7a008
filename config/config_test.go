package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-resilience/services/retry"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.False(t, cfg.Server.TLS.Enabled)
				assert.Zero(t, cfg.Server.WriteTimeout)
				assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
				assert.False(t, cfg.Auth.Enabled())
				assert.Equal(t, retry.DefaultConfig(), cfg.Resilience.Retry)
				assert.Equal(t, 60, cfg.Resilience.RateLimit.MaxRequests)
				assert.Zero(t, cfg.Cache.TTL)

				require.Len(t, cfg.Providers.Providers, 3)
				assert.Equal(t, []string{"openai", "anthropic", "gemini"}, []string{
					cfg.Providers.Providers[0].ID, cfg.Providers.Providers[1].ID, cfg.Providers.Providers[2].ID,
				})
				assert.Len(t, cfg.Providers.Routes, 3)
				assert.False(t, cfg.Providers.HasCredential())
			},
		},
		{
			name: "production configuration with a provider",
			envVars: map[string]string{
				"ENVIRONMENT":       "production",
				"SERVER_PORT":       "9000",
				"ANTHROPIC_API_KEY": "sk-ant-xxxxx",
				"DEFAULT_PROVIDER":  "anthropic",
				"AUTH_JWT_SECRET":   "s3cret",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.False(t, cfg.IsDevelopment())
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, "anthropic", cfg.Providers.Default)
				assert.Equal(t, "sk-ant-xxxxx", cfg.Providers.Providers[1].Key())
				assert.True(t, cfg.Auth.Enabled())
			},
		},
		{
			name: "resilience overrides",
			envVars: map[string]string{
				"RETRY_MAX_RETRIES":                 "5",
				"RETRY_INITIAL_DELAY":               "100ms",
				"RETRY_BACKOFF_FACTOR":              "3",
				"CIRCUIT_RESET_TIMEOUT":             "10s",
				"CIRCUIT_SERVICE_FAILURE_THRESHOLD": "4",
				"RATE_LIMIT_MAX_REQUESTS":           "2",
				"RATE_LIMIT_WINDOW":                 "1s",
			},
			check: func(t *testing.T, cfg *Config) {
				r := cfg.Resilience.Retry
				assert.Equal(t, 5, r.MaxRetries)
				assert.Equal(t, 100*time.Millisecond, r.InitialDelay)
				assert.Equal(t, 3.0, r.BackoffFactor)
				assert.Equal(t, 10*time.Second, r.CircuitResetTimeout)
				assert.Equal(t, 4, r.ServiceFailureThreshold)
				assert.Equal(t, 2, cfg.Resilience.RateLimit.MaxRequests)
				assert.Equal(t, time.Second, cfg.Resilience.RateLimit.Window)
			},
		},
		{
			name: "server and observability overrides",
			envVars: map[string]string{
				"PORT":                 "9443",
				"SERVER_PORT":          "9000",
				"SERVER_WRITE_TIMEOUT": "90s",
				"CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example",
				"LOG_LEVEL":            "debug",
				"LOG_FORMAT":           "console",
				"METRICS_ENABLED":      "false",
				"CACHE_TTL":            "5m",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
				assert.Equal(t, 90*time.Second, cfg.Server.WriteTimeout)
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
				assert.Equal(t, "debug", cfg.Observability.LogLevel)
				assert.Equal(t, "console", cfg.Observability.LogFormat)
				assert.False(t, cfg.Observability.MetricsEnabled)
				assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
			},
		},
		{
			name: "invalid retry settings",
			envVars: map[string]string{
				"RETRY_JITTER_FACTOR": "1.5",
			},
			wantErr: true,
		},
		{
			name: "unknown default provider",
			envVars: map[string]string{
				"DEFAULT_PROVIDER": "mistral",
			},
			wantErr: true,
		},
		{
			name: "production without any provider",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
			},
			wantErr: true,
		},
		{
			name: "missing providers file",
			envVars: map[string]string{
				"PROVIDERS_FILE": "/nonexistent/providers.yaml",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

const providersYAML = `
default_provider: claude
providers:
  - id: claude
    kind: anthropic
    api_key_env: TEST_CLAUDE_KEY
    priority: 1
    timeout: 45s
    rate_limit:
      max_requests: 5
      window: 1m
  - id: local
    kind: openai
    name: Local vLLM
    base_url: http://localhost:8000/v1
    api_key: local-key-0123456789abcdef
    default_model: llama-3-8b
    priority: 2
    headers:
      X-Team: research
routes:
  - match: prefix
    value: llama
    provider: local
`

func writeProviders(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNew_ProvidersFile(t *testing.T) {
	os.Clearenv()
	os.Setenv("PROVIDERS_FILE", writeProviders(t, providersYAML))
	os.Setenv("TEST_CLAUDE_KEY", "sk-ant-from-env")

	cfg, err := New(context.Background())
	require.NoError(t, err)

	p := cfg.Providers
	assert.Equal(t, "claude", p.Default)
	require.Len(t, p.Providers, 2)

	claude := p.Providers[0]
	assert.Equal(t, KindAnthropic, claude.Kind)
	assert.Equal(t, "sk-ant-from-env", claude.Key())
	assert.Equal(t, 45*time.Second, claude.Timeout)
	require.NotNil(t, claude.RateLimit)
	assert.Equal(t, 5, claude.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, claude.RateLimit.Window)

	local := p.Providers[1]
	assert.Equal(t, "http://localhost:8000/v1", local.BaseURL)
	assert.Equal(t, "research", local.Headers["X-Team"])
	assert.Nil(t, local.RateLimit)

	assert.Equal(t, []RouteConfig{{Match: MatchPrefix, Value: "llama", Provider: "local"}}, p.Routes)
}

func TestNew_ProvidersFileInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"not yaml", "providers: [", "parsing providers file"},
		{"unknown kind", "providers:\n  - id: x\n    kind: mistral\n", "provider table"},
		{"duplicate id", "providers:\n  - id: x\n    kind: openai\n  - id: x\n    kind: gemini\n", "duplicate provider id"},
		{"bad route target", "providers:\n  - id: x\n    kind: openai\nroutes:\n  - match: prefix\n    value: gpt\n    provider: y\n", "unknown provider"},
		{"bad pattern", "providers:\n  - id: x\n    kind: openai\nroutes:\n  - match: pattern\n    value: \"(\"\n    provider: x\n", "route pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("PROVIDERS_FILE", writeProviders(t, tt.content))

			_, err := New(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"dev", "dev", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{
		Host: "0.0.0.0",
		Port: 8443,
	}

	assert.Equal(t, "0.0.0.0:8443", cfg.Address())
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue int
		want         int
	}{
		{"valid int", "TEST_INT", "42", 10, 42},
		{"empty value", "TEST_INT", "", 10, 10},
		{"invalid int", "TEST_INT", "not-a-number", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsInt(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", "TEST_BOOL", "true", false, true},
		{"false", "TEST_BOOL", "false", true, false},
		{"empty value", "TEST_BOOL", "", true, true},
		{"invalid bool", "TEST_BOOL", "not-a-bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsBool(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsSlice(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, []string{"x"}, getEnvAsSlice("TEST_SLICE", []string{"x"}))

	os.Setenv("TEST_SLICE", " a, ,b ")
	assert.Equal(t, []string{"a", "b"}, getEnvAsSlice("TEST_SLICE", nil))
}
