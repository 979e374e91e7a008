package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/upb/llm-resilience/services"
	"github.com/upb/llm-resilience/services/stream"
	"go.uber.org/zap"
)

const (
	maxResponseBytes = 8 << 20
	maxErrorBytes    = 4 << 10
)

// Client performs single HTTP exchanges with providers. It does not retry;
// callers wrap it in a retry engine.
type Client struct {
	http       *http.Client
	normalizer *stream.Normalizer
	logger     *zap.Logger
}

// NewClient creates a new Client. A nil httpClient uses a default client
// with no overall timeout, since per-request timeouts come from each provider Spec.
func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:       httpClient,
		normalizer: stream.NewNormalizer(logger),
		logger:     logger,
	}
}

// Call sends req to spec using model and returns the reply text. When
// req.Stream is set, fragments are passed to onDelta as they arrive.
func (c *Client) Call(ctx context.Context, spec *Spec, req *ChatRequest, model string, onDelta func(string)) (string, error) {
	parent := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	payload, err := spec.BuildBody(req, model)
	if err != nil {
		return "", services.NewTerminalClientError(
			fmt.Sprintf("could not build a request for %s", spec.DisplayName()), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint(model, req.Stream), bytes.NewReader(payload))
	if err != nil {
		return "", services.NewTerminalClientError(
			fmt.Sprintf("invalid endpoint configured for %s", spec.DisplayName()), err)
	}
	c.setHeaders(httpReq, spec)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if parent.Err() != nil {
			return "", services.NewCanceledError(parent.Err())
		}
		return "", services.NewNetworkError(fmt.Sprintf("Could not reach %s.", spec.DisplayName()), err).
			WithDetail("provider", spec.ID)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		resp.Body.Close()
		c.logger.Debug("provider returned error status",
			zap.String("provider", spec.ID),
			zap.Int("status", resp.StatusCode),
		)
		return "", services.ClassifyHTTPStatus(spec.DisplayName(), resp.StatusCode, string(body))
	}

	if req.Stream {
		return c.readStream(parent, ctx, spec, resp.Body, onDelta)
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if parent.Err() != nil {
			return "", services.NewCanceledError(parent.Err())
		}
		return "", services.NewNetworkError(fmt.Sprintf("Connection to %s was interrupted.", spec.DisplayName()), err)
	}
	text, err := spec.ExtractContent(body)
	if err != nil {
		return "", services.NewServiceError(fmt.Sprintf("%s returned an unexpected response", spec.DisplayName()), err)
	}
	return text, nil
}

func (c *Client) readStream(parent, ctx context.Context, spec *Spec, body io.ReadCloser, onDelta func(string)) (string, error) {
	delivered := false
	text, err := c.normalizer.Normalize(ctx, body, spec.ParseDelta, func(fragment string) {
		delivered = true
		if onDelta != nil {
			onDelta(fragment)
		}
	})
	if err == nil {
		return text, nil
	}

	// our own timeout fired, the caller is still waiting
	if services.IsCanceledError(err) && parent.Err() == nil {
		err = services.NewNetworkError(fmt.Sprintf("%s timed out while streaming the response.", spec.DisplayName()), err)
	}
	if delivered && !services.IsCanceledError(err) && !services.IsStreamInterruptedError(err) {
		err = services.NewStreamInterruptedError(text, err)
	}
	return text, err
}

// Ping checks that spec's health endpoint accepts our credential.
func (c *Client) Ping(ctx context.Context, spec *Spec) error {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.HealthURL(), nil)
	if err != nil {
		return services.NewTerminalClientError(fmt.Sprintf("invalid endpoint configured for %s", spec.DisplayName()), err)
	}
	c.setHeaders(req, spec)

	resp, err := c.http.Do(req)
	if err != nil {
		return services.NewNetworkError(fmt.Sprintf("Could not reach %s.", spec.DisplayName()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return services.ClassifyHTTPStatus(spec.DisplayName(), resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes))
	return nil
}

func (c *Client) setHeaders(req *http.Request, spec *Spec) {
	spec.Auth.Apply(req.Header, spec.APIKey)
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
}
