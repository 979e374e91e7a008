package app

import (
	"fmt"
	"regexp"

	"github.com/upb/llm-resilience/config"
	"github.com/upb/llm-resilience/services/providers"
	"github.com/upb/llm-resilience/services/providers/anthropic"
	"github.com/upb/llm-resilience/services/providers/gemini"
	"github.com/upb/llm-resilience/services/providers/openai"
)

// specBuilders maps a configured provider kind to its adapter
var specBuilders = map[string]func(providers.Settings) *providers.Spec{
	config.KindOpenAI:    openai.NewSpec,
	config.KindAnthropic: anthropic.NewSpec,
	config.KindGemini:    gemini.NewSpec,
}

// BuildRegistry turns the provider table into a registry with its routes
func BuildRegistry(pc config.ProvidersConfig) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	for _, p := range pc.Providers {
		spec, err := buildSpec(p)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("registering %s: %w", p.ID, err)
		}
	}

	for _, r := range pc.Routes {
		match, err := buildMatcher(r)
		if err != nil {
			return nil, err
		}
		if err := registry.AddRoute(match, r.Provider); err != nil {
			return nil, fmt.Errorf("route %s %q: %w", r.Match, r.Value, err)
		}
	}

	if pc.Default != "" {
		if err := registry.SetDefault(pc.Default); err != nil {
			return nil, fmt.Errorf("default provider: %w", err)
		}
	}

	return registry, nil
}

func buildSpec(p config.ProviderConfig) (*providers.Spec, error) {
	build, ok := specBuilders[p.Kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: unsupported kind %q", p.ID, p.Kind)
	}

	spec := build(providers.Settings{
		ID:           p.ID,
		APIKey:       p.Key(),
		BaseURL:      p.BaseURL,
		DefaultModel: p.DefaultModel,
		Priority:     p.Priority,
		Timeout:      p.Timeout,
		Headers:      p.Headers,
	})
	if p.Name != "" {
		spec.Name = p.Name
	}
	return spec, nil
}

func buildMatcher(r config.RouteConfig) (providers.Matcher, error) {
	switch r.Match {
	case config.MatchPrefix:
		return providers.Prefix(r.Value), nil
	case config.MatchContains:
		return providers.Contains(r.Value), nil
	case config.MatchPattern:
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return nil, fmt.Errorf("route pattern %q: %w", r.Value, err)
		}
		return providers.Pattern(re), nil
	default:
		return nil, fmt.Errorf("unknown route match %q", r.Match)
	}
}
