package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/upb/llm-resilience/services/ratelimit"
	"github.com/upb/llm-resilience/services/retry"
)

const namespace = "llm_resilience"

// Metrics holds every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	chatTotal       *prometheus.CounterVec
	chatDuration    *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	fallbacksTotal  *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	circuitChanges  *prometheus.CounterVec
	limiterWait     *prometheus.HistogramVec
	limiterInWindow *prometheus.GaugeVec
	limiterWaiting  *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		chatTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by serving provider, outcome and cache use",
		}, []string{"provider", "outcome", "cached"}),
		chatDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_duration_seconds",
			Help:      "End to end chat latency including retries and fallbacks",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by result (success or error type)",
		}, []string{"provider", "result"}),
		retriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled by the retry engine",
		}, []string{"provider"}),
		retryDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before each retry",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		fallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Times the chain moved past a failed provider",
		}, []string{"from"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),
		circuitChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions",
		}, []string{"provider", "from", "to"}),
		limiterWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"provider"}),
		limiterInWindow: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_in_window",
			Help:      "Grants inside the current rate window",
		}, []string{"provider"}),
		limiterWaiting: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_waiting",
			Help:      "Callers queued for a rate limiter slot",
		}, []string{"provider"}),
	}
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RetryScheduled implements retry.Observer
func (m *Metrics) RetryScheduled(name string, attempt int, delay time.Duration) {
	m.retriesTotal.WithLabelValues(name).Inc()
	m.retryDelay.WithLabelValues(name).Observe(delay.Seconds())
}

// CircuitChanged implements retry.Observer
func (m *Metrics) CircuitChanged(name string, from, to retry.State) {
	m.circuitState.WithLabelValues(name).Set(float64(to))
	m.circuitChanges.WithLabelValues(name, from.String(), to.String()).Inc()
}

// CircuitReset implements retry.ResetObserver
func (m *Metrics) CircuitReset(name string) {
	m.circuitState.WithLabelValues(name).Set(float64(retry.StateClosed))
}

// ChatCompleted implements routing.Recorder
func (m *Metrics) ChatCompleted(provider, outcome string, cached bool, d time.Duration) {
	c := "false"
	if cached {
		c = "true"
	}
	m.chatTotal.WithLabelValues(provider, outcome, c).Inc()
	m.chatDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AttemptFinished implements routing.Recorder
func (m *Metrics) AttemptFinished(provider, result string) {
	m.attemptsTotal.WithLabelValues(provider, result).Inc()
}

// FallbackTaken implements routing.Recorder
func (m *Metrics) FallbackTaken(from string) {
	m.fallbacksTotal.WithLabelValues(from).Inc()
}

// LimiterWaited implements routing.Recorder
func (m *Metrics) LimiterWaited(provider string, d time.Duration) {
	m.limiterWait.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveLimits copies limiter stats into gauges, typically on scrape.
func (m *Metrics) ObserveLimits(stats map[string]ratelimit.Stats) {
	for id, s := range stats {
		m.limiterInWindow.WithLabelValues(id).Set(float64(s.InWindow))
		m.limiterWaiting.WithLabelValues(id).Set(float64(s.Waiting))
	}
}
