package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/upb/llm-resilience/services"
	"github.com/upb/llm-resilience/services/connectivity"
	"go.uber.org/zap"
)

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config is copied into the engine at construction and never changes after.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	InitialDelay  time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay      time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`
	JitterFactor  float64       `yaml:"jitter_factor" validate:"gte=0,lte=1"`

	CircuitResetTimeout     time.Duration `yaml:"circuit_reset_timeout" validate:"gt=0"`
	HalfOpenMaxAttempts     int           `yaml:"half_open_max_attempts" validate:"gte=1"`
	ServiceFailureThreshold int           `yaml:"service_failure_threshold" validate:"gte=1"`
	NetworkFailureThreshold int           `yaml:"network_failure_threshold" validate:"gte=1"`

	OfflineWaitTimeout  time.Duration `yaml:"offline_wait_timeout" validate:"gt=0"`
	OfflinePollInterval time.Duration `yaml:"offline_poll_interval" validate:"gt=0"`
	HealthProbeTimeout  time.Duration `yaml:"health_probe_timeout" validate:"gt=0"`
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		InitialDelay:            time.Second,
		MaxDelay:                30 * time.Second,
		BackoffFactor:           2,
		JitterFactor:            0.1,
		CircuitResetTimeout:     60 * time.Second,
		HalfOpenMaxAttempts:     2,
		ServiceFailureThreshold: 3,
		NetworkFailureThreshold: 5,
		OfflineWaitTimeout:      30 * time.Second,
		OfflinePollInterval:     500 * time.Millisecond,
		HealthProbeTimeout:      5 * time.Second,
	}
}

// Snapshot is a copy of the circuit bookkeeping
type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastFailureAt        time.Time `json:"last_failure_at"`
	LastSuccessAt        time.Time `json:"last_success_at"`
	HalfOpenSuccessCount int       `json:"half_open_success_count"`
}

// HealthCheck is the lightweight probe issued when the reset timer fires.
type HealthCheck func(ctx context.Context) bool

// Observer receives retry and circuit events, typically for metrics.
type Observer interface {
	RetryScheduled(name string, attempt int, delay time.Duration)
	CircuitChanged(name string, from, to State)
}

type nopObserver struct{}

func (nopObserver) RetryScheduled(string, int, time.Duration) {}
func (nopObserver) CircuitChanged(string, State, State)       {}

// ResetObserver is implemented by observers that want to hear about operator
// resets, which bypass the circuit transitions.
type ResetObserver interface {
	CircuitReset(name string)
}

// Option configures an Engine
type Option func(*Engine)

// WithHealthCheck sets the probe run when the circuit leaves Open.
func WithHealthCheck(hc HealthCheck) Option {
	return func(e *Engine) { e.healthCheck = hc }
}

// WithObserver sets the event observer
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// Engine runs operations with retries and guards them with a circuit
// breaker shared by every caller of the same engine.
type Engine struct {
	name        string
	cfg         Config
	probe       connectivity.Probe
	healthCheck HealthCheck
	observer    Observer
	logger      *zap.Logger
	now         func() time.Time

	mu                  sync.Mutex
	state               State
	epoch               uint64 // bumped on every transition
	consecutiveFailures int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	halfOpenSuccesses   int
	halfOpenInFlight    int
	timer               *time.Timer
	timerGen            uint64
}

// ticket records how a single attempt was admitted
type ticket struct {
	trial bool
	epoch uint64
}

// NewEngine creates a new Engine. probe may be nil.
func NewEngine(name string, cfg Config, probe connectivity.Probe, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		name:     name,
		cfg:      cfg,
		probe:    probe,
		observer: nopObserver{},
		logger:   logger.With(zap.String("engine", name)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name
func (e *Engine) Name() string {
	return e.name
}

// Execute runs op through e and returns its value.
func Execute[T any](ctx context.Context, e *Engine, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Do runs op until it succeeds, fails terminally, the retry budget is spent
// or the circuit refuses the call. The returned error is always a
// *services.DomainError.
func (e *Engine) Do(ctx context.Context, op func(context.Context) error) error {
	b := e.newBackOff()
	attempts := e.cfg.MaxRetries + 1

	var (
		lastErr   error
		lastClass services.ErrorType
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if denied := e.openDenial(); denied != nil {
				denied.Err = lastErr
				return denied
			}
			delay := b.NextBackOff()
			e.observer.RetryScheduled(e.name, attempt, delay)
			e.logger.Info("retrying after failure",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, delay); err != nil {
				return services.NewCanceledError(err)
			}
		}

		if err := e.awaitConnectivity(ctx); err != nil {
			return err
		}

		t, denied := e.admit()
		if denied != nil {
			if lastErr != nil {
				denied.Err = lastErr
			}
			return denied
		}

		err := op(ctx)
		if err == nil {
			e.recordSuccess(t)
			return nil
		}

		class := services.Classify(err)
		if ctx.Err() != nil {
			class = services.ErrorTypeCanceled
		}

		switch class {
		case services.ErrorTypeNetwork, services.ErrorTypeService:
			e.recordFailure(t, class)
			lastErr, lastClass = err, class
		case services.ErrorTypeStreamInterrupted:
			// partial output was already delivered, so the call is not repeated
			if cause := streamCause(err); cause == services.ErrorTypeNetwork || cause == services.ErrorTypeService {
				e.recordFailure(t, cause)
			} else {
				e.release(t)
			}
			return err
		case services.ErrorTypeCanceled:
			e.release(t)
			if services.IsCanceledError(err) {
				return err
			}
			return services.NewCanceledError(err)
		default:
			e.release(t)
			e.logger.Debug("terminal failure, not retrying", zap.Error(err))
			return err
		}
	}

	if lastClass == services.ErrorTypeNetwork {
		return services.NewNetworkError(
			fmt.Sprintf("Network connection failed after %d attempts. Please check your connection.", attempts),
			lastErr,
		)
	}
	if services.GetErrorType(lastErr) == "" {
		return services.NewServiceError(fmt.Sprintf("%s request failed after %d attempts", e.name, attempts), lastErr)
	}
	return lastErr
}

// State returns a copy of the circuit bookkeeping
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		State:                e.state,
		ConsecutiveFailures:  e.consecutiveFailures,
		LastFailureAt:        e.lastFailureAt,
		LastSuccessAt:        e.lastSuccessAt,
		HalfOpenSuccessCount: e.halfOpenSuccesses,
	}
}

// Healthy reports whether the engine currently admits calls. HalfOpen
// counts as healthy because trial traffic is flowing.
func (e *Engine) Healthy() bool {
	return e.State().State != StateOpen
}

// Reset is an operator override: it puts the circuit back to Closed and
// clears all counters without going through a transition, so observers see
// CircuitReset rather than an Open to Closed change.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopTimerLocked()
	from := e.state
	e.state = StateClosed
	e.epoch++
	e.halfOpenSuccesses = 0
	e.halfOpenInFlight = 0
	e.consecutiveFailures = 0

	if ro, ok := e.observer.(ResetObserver); ok {
		ro.CircuitReset(e.name)
	}
	e.logger.Info("circuit reset", zap.Stringer("from", from))
}

// Close stops the reset timer
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopTimerLocked()
}

// openDenial reports whether the circuit is Open and still cooling down,
// without moving it.
func (e *Engine) openDenial() *services.DomainError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openDenialLocked()
}

func (e *Engine) openDenialLocked() *services.DomainError {
	if e.state != StateOpen {
		return nil
	}
	remaining := e.cfg.CircuitResetTimeout - e.now().Sub(e.lastFailureAt)
	if remaining <= 0 {
		return nil
	}
	return services.NewCircuitOpenError(
		fmt.Sprintf("%s is temporarily unavailable, retry in %s", e.name, remaining.Round(time.Second)),
	).WithDetail("provider", e.name)
}

func (e *Engine) admit() (ticket, *services.DomainError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateOpen {
		if denied := e.openDenialLocked(); denied != nil {
			return ticket{}, denied
		}
		// the reset timer has not run yet
		e.stopTimerLocked()
		e.transitionLocked(StateHalfOpen)
	}

	if e.state == StateHalfOpen {
		if e.halfOpenInFlight+e.halfOpenSuccesses >= e.cfg.HalfOpenMaxAttempts {
			return ticket{}, services.NewCircuitOpenError(
				fmt.Sprintf("%s recovery in progress, please retry shortly", e.name),
			).WithDetail("provider", e.name)
		}
		e.halfOpenInFlight++
		return ticket{trial: true, epoch: e.epoch}, nil
	}

	return ticket{epoch: e.epoch}, nil
}

func (e *Engine) recordSuccess(t ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastSuccessAt = e.now()
	current := t.epoch == e.epoch

	switch e.state {
	case StateClosed:
		e.consecutiveFailures = 0
	case StateHalfOpen:
		if !t.trial || !current {
			return
		}
		e.halfOpenInFlight--
		e.halfOpenSuccesses++
		if e.halfOpenSuccesses >= e.cfg.HalfOpenMaxAttempts {
			e.transitionLocked(StateClosed)
			e.consecutiveFailures = 0
		}
	}
}

func (e *Engine) recordFailure(t ticket, class services.ErrorType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures++
	if e.state == StateOpen {
		// a late result from a call admitted before the circuit opened
		return
	}
	e.lastFailureAt = e.now()

	switch e.state {
	case StateClosed:
		threshold := e.cfg.ServiceFailureThreshold
		if class == services.ErrorTypeNetwork {
			threshold = e.cfg.NetworkFailureThreshold
		}
		if e.consecutiveFailures >= threshold {
			e.tripLocked()
		}
	case StateHalfOpen:
		if t.trial && t.epoch == e.epoch {
			e.tripLocked()
		}
	}
}

// release returns a trial slot without deciding the circuit.
func (e *Engine) release(t ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.trial && t.epoch == e.epoch && e.state == StateHalfOpen {
		e.halfOpenInFlight--
	}
}

// tripLocked opens the circuit and arms the reset timer.
func (e *Engine) tripLocked() {
	e.lastFailureAt = e.now()
	e.transitionLocked(StateOpen)
	e.stopTimerLocked()

	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(e.cfg.CircuitResetTimeout, func() { e.onResetTimer(gen) })

	e.logger.Warn("circuit opened",
		zap.Int("consecutive_failures", e.consecutiveFailures),
		zap.Duration("reset_timeout", e.cfg.CircuitResetTimeout),
	)
}

func (e *Engine) onResetTimer(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen || e.state != StateOpen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.transitionLocked(StateHalfOpen)
	epoch := e.epoch
	e.mu.Unlock()

	if e.healthCheck == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HealthProbeTimeout)
	ok := e.healthCheck(ctx)
	cancel()
	if ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateHalfOpen && e.epoch == epoch {
		e.logger.Warn("health probe failed, reopening circuit")
		e.tripLocked()
	}
}

func (e *Engine) transitionLocked(to State) {
	from := e.state
	e.state = to
	e.epoch++
	e.halfOpenSuccesses = 0
	e.halfOpenInFlight = 0
	if from != to {
		e.observer.CircuitChanged(e.name, from, to)
		if to != StateOpen {
			e.logger.Info("circuit state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

// awaitConnectivity suspends while the host is offline. The wait does not
// count as an attempt.
func (e *Engine) awaitConnectivity(ctx context.Context) error {
	if e.probe == nil || e.probe.IsOnline() {
		return nil
	}

	e.logger.Warn("network offline, waiting for connectivity",
		zap.Duration("max_wait", e.cfg.OfflineWaitTimeout),
	)

	deadline := time.NewTimer(e.cfg.OfflineWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.OfflinePollInterval)
	defer ticker.Stop()

	for !e.probe.IsOnline() {
		select {
		case <-ctx.Done():
			return services.NewCanceledError(ctx.Err())
		case <-deadline.C:
			return services.NewNetworkError("Network unavailable. Please check your internet connection and try again.", nil)
		case <-ticker.C:
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthProbeTimeout)
	defer cancel()
	if !e.probe.ProbeService(probeCtx) {
		return services.NewNetworkError("Network connection was restored but the service is still unreachable.", nil)
	}
	e.logger.Info("connectivity restored")
	return nil
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialDelay
	b.Multiplier = e.cfg.BackoffFactor
	b.MaxInterval = e.cfg.MaxDelay
	b.RandomizationFactor = e.cfg.JitterFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// streamCause classifies what broke an interrupted stream.
func streamCause(err error) services.ErrorType {
	var de *services.DomainError
	if !errors.As(err, &de) || de.Err == nil {
		return ""
	}
	return services.Classify(de.Err)
}
