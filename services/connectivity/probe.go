package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Probe reports whether the host currently has network connectivity.
type Probe interface {
	// IsOnline returns the cached online flag. It never blocks.
	IsOnline() bool
	// ProbeService performs an active, short-timeout health check.
	ProbeService(ctx context.Context) bool
}

// HTTPProbe keeps a cached online flag refreshed by a background monitor and
// answers active probes with a GET against a well-known endpoint.
type HTTPProbe struct {
	url     string
	timeout time.Duration
	client  *http.Client
	online  atomic.Bool
	logger  *zap.Logger
}

// NewHTTPProbe creates a probe that starts out online.
func NewHTTPProbe(url string, timeout time.Duration, logger *zap.Logger) *HTTPProbe {
	p := &HTTPProbe{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
	p.online.Store(true)
	return p
}

func (p *HTTPProbe) IsOnline() bool {
	return p.online.Load()
}

// SetOnline records a connectivity event from the environment.
func (p *HTTPProbe) SetOnline(online bool) {
	if p.online.Swap(online) != online {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
	}
}

// ProbeService issues a GET against the probe URL. Any response, including
// an error status, proves the network path works.
func (p *HTTPProbe) ProbeService(ctx context.Context) bool {
	if p.url == "" {
		return p.IsOnline()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("connectivity probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp.Body.Close()
	return true
}

// StartMonitor refreshes the cached flag every interval until ctx is done.
func (p *HTTPProbe) StartMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("connectivity monitor stopped")
			return
		case <-ticker.C:
			p.SetOnline(p.ProbeService(ctx))
		}
	}
}

// Static is a fixed-answer probe for environments without connectivity
// events, and for tests.
type Static struct {
	Online  atomic.Bool
	Healthy atomic.Bool
}

// NewStatic returns a probe that is online and healthy.
func NewStatic() *Static {
	s := &Static{}
	s.Online.Store(true)
	s.Healthy.Store(true)
	return s
}

func (s *Static) IsOnline() bool { return s.Online.Load() }

func (s *Static) ProbeService(context.Context) bool { return s.Healthy.Load() }
