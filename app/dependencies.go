package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/upb/llm-resilience/config"
	"github.com/upb/llm-resilience/internal/observability"
	"github.com/upb/llm-resilience/middleware"
	"github.com/upb/llm-resilience/services/cache"
	"github.com/upb/llm-resilience/services/connectivity"
	"github.com/upb/llm-resilience/services/providers"
	"github.com/upb/llm-resilience/services/ratelimit"
	"github.com/upb/llm-resilience/services/retry"
	"github.com/upb/llm-resilience/services/routing"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Resilience
	Probe    connectivity.Probe
	Registry *providers.Registry
	Client   *providers.Client
	Cache    *cache.ResponseCache
	Chain    *routing.FallbackChain

	// Auth
	AuthMiddleware *middleware.AuthMiddleware
	TokenIssuer    *middleware.HMACValidator

	stop   chan struct{}
	cancel context.CancelFunc
}

// Option overrides a piece of the default wiring, mostly for tests
type Option func(*Dependencies)

// WithHTTPClient sets the client used to reach providers
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dependencies) { d.Client = providers.NewClient(c, d.Logger) }
}

// WithProbe replaces the connectivity probe
func WithProbe(p connectivity.Probe) Option {
	return func(d *Dependencies) { d.Probe = p }
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(deps)
	}

	ctx, deps.cancel = context.WithCancel(ctx)
	deps.initConnectivity(ctx, cfg)

	if err := deps.initProviders(cfg); err != nil {
		deps.cancel()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initCache(cfg)

	if err := deps.initChain(cfg); err != nil {
		deps.cancel()
		return nil, fmt.Errorf("failed to initialize fallback chain: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", deps.Registry.IDs()),
		zap.String("default_provider", deps.Registry.Default()),
	)
	return deps, nil
}

// initConnectivity starts the background probe when a probe URL is set
func (d *Dependencies) initConnectivity(ctx context.Context, cfg *config.Config) {
	if d.Probe != nil {
		return
	}
	if cfg.Connectivity.ProbeURL == "" {
		d.Probe = connectivity.NewStatic()
		return
	}

	probe := connectivity.NewHTTPProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout, d.Logger)
	go probe.StartMonitor(ctx, cfg.Connectivity.ProbeInterval)
	d.Probe = probe
	d.Logger.Info("connectivity monitor started", zap.String("url", cfg.Connectivity.ProbeURL))
}

// initProviders builds the provider registry from the configured table
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry, err := BuildRegistry(cfg.Providers)
	if err != nil {
		return err
	}
	if d.Client == nil {
		d.Client = providers.NewClient(nil, d.Logger)
	}

	usable := 0
	for _, spec := range registry.Ordered() {
		cred := spec.CheckCredential()
		if cred.Usable() {
			usable++
		}
		d.Logger.Info("provider registered",
			zap.String("provider", spec.ID),
			zap.Int("priority", spec.Priority),
			zap.Stringer("credential", cred),
		)
	}
	if usable == 0 {
		d.Logger.Warn("no LLM provider has a usable API key")
	}

	d.Registry = registry
	return nil
}

func (d *Dependencies) initCache(cfg *config.Config) {
	d.Cache = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	if d.Cache.Enabled() {
		interval := cfg.Cache.CleanupInterval
		if interval <= 0 {
			interval = cfg.Cache.TTL
		}
		go d.Cache.StartCleanupWorker(interval, d.stop)
		d.Logger.Info("response cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}
}

// initChain gives every provider its own retry engine and rate limiter
func (d *Dependencies) initChain(cfg *config.Config) error {
	limits := make(map[string]*ratelimit.Config, len(cfg.Providers.Providers))
	for i := range cfg.Providers.Providers {
		p := &cfg.Providers.Providers[i]
		limits[p.ID] = p.RateLimit
	}

	guards := make(map[string]routing.Guard)
	for _, spec := range d.Registry.Ordered() {
		logger := d.Logger.With(zap.String("provider", spec.ID))

		limit := cfg.Resilience.RateLimit
		if override := limits[spec.ID]; override != nil {
			limit = *override
		}

		guards[spec.ID] = routing.Guard{
			Engine: retry.NewEngine(spec.ID, cfg.Resilience.Retry, d.Probe, logger,
				retry.WithHealthCheck(d.healthCheck(spec)),
				retry.WithObserver(d.Metrics),
			),
			Limiter: ratelimit.NewLimiter(spec.ID, limit, logger),
		}
	}

	chain, err := routing.NewFallbackChain(d.Registry, d.Client, guards, d.Logger,
		routing.WithCache(d.Cache),
		routing.WithRecorder(d.Metrics),
	)
	if err != nil {
		return err
	}
	d.Chain = chain
	return nil
}

func (d *Dependencies) healthCheck(spec *providers.Spec) retry.HealthCheck {
	return func(ctx context.Context) bool {
		if err := d.Client.Ping(ctx, spec); err != nil {
			d.Logger.Info("provider health probe failed", zap.String("provider", spec.ID), zap.Error(err))
			return false
		}
		return true
	}
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if !cfg.Auth.Enabled() {
		d.Logger.Warn("AUTH_JWT_SECRET not set, API authentication disabled")
		d.AuthMiddleware = middleware.NewAuthMiddleware(nil, d.Logger)
		return
	}
	d.TokenIssuer = middleware.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.TokenIssuer, d.Logger)
	d.Logger.Info("bearer token authentication enabled")
}

// Ready reports whether at least one provider can take traffic
func (d *Dependencies) Ready() bool {
	health := d.Chain.ProviderHealth()
	for _, spec := range d.Registry.Ordered() {
		if spec.CheckCredential().Usable() && health[spec.ID] {
			return true
		}
	}
	return false
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.cancel != nil {
		d.cancel()
	}
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	if d.Chain != nil {
		d.Chain.Close()
	}

	_ = d.Logger.Sync()
	return nil
}
