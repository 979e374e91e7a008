package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBuffer is added to every computed wait so a waiter never wakes a
// hair before the oldest grant has left the window.
const DefaultBuffer = 10 * time.Millisecond

// Config describes a sliding window quota
type Config struct {
	MaxRequests int           `yaml:"max_requests" validate:"gte=0"`
	Window      time.Duration `yaml:"window" validate:"gte=0"`
	Buffer      time.Duration `yaml:"buffer" validate:"gte=0"`
}

// Stats is a point-in-time view of a limiter
type Stats struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	InWindow    int           `json:"in_window"`
	Waiting     int           `json:"waiting"`
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Limiter admits at most MaxRequests calls in any trailing Window.
// Callers that cannot be admitted immediately queue in arrival order; the
// head of the queue is woken when the oldest grant leaves the window.
// A MaxRequests of zero disables limiting.
type Limiter struct {
	name        string
	maxRequests int
	window      time.Duration
	buffer      time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	grants  []time.Time // ascending
	waiters *list.List  // of *waiter
	timer   *time.Timer
	gen     uint64
}

// NewLimiter creates a new Limiter
func NewLimiter(name string, cfg Config, logger *zap.Logger) *Limiter {
	buffer := cfg.Buffer
	if buffer == 0 {
		buffer = DefaultBuffer
	}
	return &Limiter{
		name:        name,
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		buffer:      buffer,
		logger:      logger,
		now:         time.Now,
		waiters:     list.New(),
	}
}

// Acquire blocks until the caller is admitted or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.maxRequests <= 0 || l.window <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	l.prune(now)
	if l.waiters.Len() == 0 && len(l.grants) < l.maxRequests {
		l.grants = append(l.grants, now)
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.dispatch(now)
	l.arm(now)
	queued := l.waiters.Len()
	granted := w.granted
	l.mu.Unlock()

	if !granted {
		l.logger.Debug("rate limit reached, queueing caller",
			zap.String("limiter", l.name),
			zap.Int("queued", queued),
		)
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.granted {
			return nil
		}
		l.waiters.Remove(elem)
		return ctx.Err()
	}
}

// Reset forgets every grant and releases all queued callers at once.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.grants = nil
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.granted = true
		close(w.ready)
	}
	l.waiters.Init()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	l.logger.Info("rate limiter reset", zap.String("limiter", l.name))
}

// Stats returns the current window usage
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return Stats{
		MaxRequests: l.maxRequests,
		Window:      l.window,
		InWindow:    len(l.grants),
		Waiting:     l.waiters.Len(),
	}
}

// prune drops grants that have left the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.grants) && now.Sub(l.grants[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// dispatch admits queued callers while there is room. Caller holds mu.
func (l *Limiter) dispatch(now time.Time) {
	l.prune(now)
	for l.waiters.Len() > 0 && len(l.grants) < l.maxRequests {
		w := l.waiters.Remove(l.waiters.Front()).(*waiter)
		w.granted = true
		l.grants = append(l.grants, now)
		close(w.ready)
	}
}

// arm schedules the next dispatch for when the oldest grant expires.
// Caller holds mu.
func (l *Limiter) arm(now time.Time) {
	if l.waiters.Len() == 0 || l.timer != nil || len(l.grants) == 0 {
		return
	}
	wait := l.window - now.Sub(l.grants[0]) + l.buffer
	l.gen++
	gen := l.gen
	l.timer = time.AfterFunc(wait, func() { l.fire(gen) })
}

func (l *Limiter) fire(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		return
	}
	l.timer = nil
	now := l.now()
	l.dispatch(now)
	l.arm(now)
}
