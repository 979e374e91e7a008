package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-resilience/services"
	"github.com/upb/llm-resilience/services/cache"
	"github.com/upb/llm-resilience/services/providers"
	"github.com/upb/llm-resilience/services/ratelimit"
	"github.com/upb/llm-resilience/services/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Caller performs a single exchange with a provider
type Caller interface {
	Call(ctx context.Context, spec *providers.Spec, req *providers.ChatRequest, model string, onDelta func(string)) (string, error)
	Ping(ctx context.Context, spec *providers.Spec) error
}

// Guard holds the shared resilience state for one provider.
type Guard struct {
	Engine  *retry.Engine
	Limiter *ratelimit.Limiter
}

// Recorder receives chain events, typically for metrics.
type Recorder interface {
	ChatCompleted(provider, outcome string, cached bool, d time.Duration)
	AttemptFinished(provider, result string)
	FallbackTaken(from string)
	LimiterWaited(provider string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ChatCompleted(string, string, bool, time.Duration) {}
func (nopRecorder) AttemptFinished(string, string)                    {}
func (nopRecorder) FallbackTaken(string)                              {}
func (nopRecorder) LimiterWaited(string, time.Duration)               {}

// ChatOutcome is the result of a successful Chat
type ChatOutcome struct {
	RequestID string        `json:"request_id"`
	Text      string        `json:"text"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Attempted []string      `json:"attempted"`
	Cached    bool          `json:"cached"`
	Latency   time.Duration `json:"latency"`
}

// ConnectionResult is the outcome of TestConnection
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Option configures a FallbackChain
type Option func(*FallbackChain)

// WithCache enables response caching for non-streamed requests
func WithCache(c *cache.ResponseCache) Option {
	return func(fc *FallbackChain) { fc.cache = c }
}

// WithRecorder sets the event recorder
func WithRecorder(r Recorder) Option {
	return func(fc *FallbackChain) {
		if r != nil {
			fc.recorder = r
		}
	}
}

// FallbackChain routes a chat request to its provider and moves on to the
// next eligible provider when that one fails.
type FallbackChain struct {
	registry *providers.Registry
	caller   Caller
	guards   map[string]Guard
	cache    *cache.ResponseCache
	recorder Recorder
	logger   *zap.Logger
}

// NewFallbackChain creates a chain. Every registered provider needs a guard.
func NewFallbackChain(registry *providers.Registry, caller Caller, guards map[string]Guard, logger *zap.Logger, opts ...Option) (*FallbackChain, error) {
	for _, id := range registry.IDs() {
		g, ok := guards[id]
		if !ok || g.Engine == nil || g.Limiter == nil {
			return nil, services.NewConfigurationError(fmt.Sprintf("provider %s has no retry engine or rate limiter", id), nil)
		}
	}

	c := &FallbackChain{
		registry: registry,
		caller:   caller,
		guards:   guards,
		recorder: nopRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat sends req to the provider its model resolves to, falling back through
// the remaining providers in priority order. onProgress receives streamed
// fragments and may be nil.
func (c *FallbackChain) Chat(ctx context.Context, req *providers.ChatRequest, onProgress func(string)) (*ChatOutcome, error) {
	start := time.Now()
	out := &ChatOutcome{RequestID: uuid.NewString()}
	logger := c.logger.With(zap.String("request_id", out.RequestID))

	if req == nil || len(req.Messages) == 0 {
		return nil, services.NewValidationError("at least one message is required")
	}

	primary, err := c.registry.Resolve(req.Model)
	if err != nil {
		return nil, services.NewConfigurationError("No AI provider is configured. Add an API key and try again.", err)
	}

	primaryModel := req.Model
	if primaryModel == "" {
		primaryModel = primary.DefaultModel
	}

	var key cache.Key
	useCache := !req.Stream && c.cache.Enabled()
	if useCache {
		key = cache.KeyFor(primary.ID, primaryModel, req)
		if hit, ok := c.cache.Get(key); ok {
			out.Text, out.Provider, out.Model, out.Cached = hit.Text, hit.Provider, primaryModel, true
			out.Latency = time.Since(start)
			c.recorder.ChatCompleted(hit.Provider, "success", true, out.Latency)
			return out, nil
		}
	}

	var lastErr error
	for _, spec := range c.candidates(primary) {
		if err := ctx.Err(); err != nil {
			return nil, services.NewCanceledError(err)
		}
		if len(out.Attempted) > 0 && services.IsTerminalClientError(lastErr) && spec.ID == out.Attempted[len(out.Attempted)-1] {
			// another pass would hit the same rejection
			break
		}
		if !c.eligible(spec, logger) {
			continue
		}

		model := spec.DefaultModel
		if spec.ID == primary.ID {
			model = primaryModel
		}
		if lastErr != nil {
			c.recorder.FallbackTaken(out.Attempted[len(out.Attempted)-1])
			logger.Warn("falling back to next provider",
				zap.String("provider", spec.ID),
				zap.String("model", model),
				zap.Strings("attempted", out.Attempted),
				zap.Error(lastErr),
			)
		}

		out.Attempted = append(out.Attempted, spec.ID)
		text, err := c.attempt(ctx, spec, req, model, onProgress)
		if err == nil {
			out.Text, out.Provider, out.Model = text, spec.ID, model
			out.Latency = time.Since(start)
			c.recorder.AttemptFinished(spec.ID, "success")
			c.recorder.ChatCompleted(spec.ID, "success", false, out.Latency)
			if useCache {
				c.cache.Set(key, spec.ID, text)
			}
			logger.Info("chat completed",
				zap.String("provider", spec.ID),
				zap.String("model", model),
				zap.Int("attempts", len(out.Attempted)),
				zap.Duration("latency", out.Latency),
			)
			return out, nil
		}

		c.recorder.AttemptFinished(spec.ID, string(services.Classify(err)))
		lastErr = err
		if surfaceDirectly(err) {
			c.recorder.ChatCompleted(spec.ID, string(services.Classify(err)), false, time.Since(start))
			return nil, err
		}
	}

	c.recorder.ChatCompleted("", string(services.ErrorTypeConfiguration), false, time.Since(start))
	return nil, exhausted(out.Attempted, lastErr)
}

// candidates lists the primary first, then everything else by priority. When
// only one provider holds a usable key it gets a second pass once its own
// retries and circuit had a chance to recover.
func (c *FallbackChain) candidates(primary *providers.Spec) []*providers.Spec {
	ordered := c.registry.Ordered()

	out := make([]*providers.Spec, 0, len(ordered)+1)
	out = append(out, primary)
	for _, s := range ordered {
		if s.ID != primary.ID {
			out = append(out, s)
		}
	}

	var sole *providers.Spec
	usable := 0
	for _, s := range out {
		if s.CheckCredential().Usable() {
			sole = s
			usable++
		}
	}
	if usable == 1 {
		out = append(out, sole)
	}
	return out
}

func (c *FallbackChain) eligible(spec *providers.Spec, logger *zap.Logger) bool {
	switch cred := spec.CheckCredential(); cred {
	case providers.CredentialValid:
		return true
	case providers.CredentialLoose:
		logger.Warn("API key does not match the expected format, using it anyway",
			zap.String("provider", spec.ID),
		)
		return true
	default:
		logger.Debug("skipping provider",
			zap.String("provider", spec.ID),
			zap.Stringer("credential", cred),
		)
		return false
	}
}

func (c *FallbackChain) attempt(ctx context.Context, spec *providers.Spec, req *providers.ChatRequest, model string, onProgress func(string)) (string, error) {
	g := c.guards[spec.ID]

	waitStart := time.Now()
	if err := g.Limiter.Acquire(ctx); err != nil {
		return "", services.NewCanceledError(err)
	}
	c.recorder.LimiterWaited(spec.ID, time.Since(waitStart))

	return retry.Execute(ctx, g.Engine, func(ctx context.Context) (string, error) {
		return c.caller.Call(ctx, spec, req, model, onProgress)
	})
}

// surfaceDirectly reports errors that another provider cannot fix.
func surfaceDirectly(err error) bool {
	return services.IsCanceledError(err) ||
		services.IsStreamInterruptedError(err) ||
		services.IsConfigurationError(err) ||
		services.IsValidationError(err)
}

func exhausted(attempted []string, lastErr error) error {
	if len(attempted) == 0 {
		return services.NewConfigurationError(
			"No AI provider has a usable API key. Check your provider settings.", lastErr)
	}
	msg := fmt.Sprintf("All AI providers failed (tried %s). %s",
		strings.Join(attempted, ", "), services.UserMessage(lastErr))
	return services.NewConfigurationError(msg, lastErr).WithDetail("attempted", attempted)
}

// TestConnection checks id's credential and reachability.
func (c *FallbackChain) TestConnection(ctx context.Context, id string) ConnectionResult {
	spec, err := c.registry.Get(id)
	if err != nil {
		return ConnectionResult{Message: fmt.Sprintf("Unknown provider %q", id)}
	}

	switch spec.CheckCredential() {
	case providers.CredentialMissing:
		return ConnectionResult{Message: fmt.Sprintf("No API key configured for %s", spec.DisplayName())}
	case providers.CredentialMalformed:
		return ConnectionResult{Message: fmt.Sprintf("The API key for %s has an invalid format", spec.DisplayName())}
	}

	if err := c.caller.Ping(ctx, spec); err != nil {
		c.logger.Info("connection test failed", zap.String("provider", id), zap.Error(err))
		return ConnectionResult{Message: services.UserMessage(err)}
	}
	return ConnectionResult{Success: true, Message: fmt.Sprintf("Connected to %s", spec.DisplayName())}
}

// CheckAll tests every registered provider concurrently.
func (c *FallbackChain) CheckAll(ctx context.Context) map[string]ConnectionResult {
	ids := c.registry.IDs()
	results := make([]ConnectionResult, len(ids))

	var g errgroup.Group
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = c.TestConnection(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ConnectionResult, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}

// ProviderHealth reports, per provider, whether its circuit admits calls.
func (c *FallbackChain) ProviderHealth() map[string]bool {
	out := make(map[string]bool, len(c.guards))
	for _, id := range c.registry.IDs() {
		out[id] = c.guards[id].Engine.Healthy()
	}
	return out
}

// Circuits returns the circuit snapshot of every provider
func (c *FallbackChain) Circuits() map[string]retry.Snapshot {
	out := make(map[string]retry.Snapshot, len(c.guards))
	for _, id := range c.registry.IDs() {
		out[id] = c.guards[id].Engine.State()
	}
	return out
}

// Limits returns the rate limiter stats of every provider
func (c *FallbackChain) Limits() map[string]ratelimit.Stats {
	out := make(map[string]ratelimit.Stats, len(c.guards))
	for _, id := range c.registry.IDs() {
		out[id] = c.guards[id].Limiter.Stats()
	}
	return out
}

// Reset closes every circuit and clears every rate window
func (c *FallbackChain) Reset() {
	for _, g := range c.guards {
		g.Engine.Reset()
		g.Limiter.Reset()
	}
	c.cache.Clear()
}

// Close stops the engines' timers
func (c *FallbackChain) Close() {
	for _, g := range c.guards {
		g.Engine.Close()
	}
}

// IsExhausted reports whether err means every provider failed.
func IsExhausted(err error) bool {
	var de *services.DomainError
	return errors.As(err, &de) && de.Type == services.ErrorTypeConfiguration && de.Details["attempted"] != nil
}
