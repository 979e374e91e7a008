package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-resilience/services"
	"go.uber.org/zap"
)

type echoPayload struct {
	Model string    `json:"model"`
	Msgs  []Message `json:"messages"`
}

func testSpec(baseURL string) *Spec {
	return &Spec{
		ID:         "echo",
		Name:       "Echo",
		APIKey:     "key-0123456789abcdefghij",
		BaseURL:    baseURL,
		ChatPath:   "/chat/{model}",
		HealthPath: "/health",
		Auth:       BearerAuth,
		Headers:    map[string]string{"X-Extra": "1"},
		Timeout:    time.Second,
		BuildBody: func(req *ChatRequest, model string) ([]byte, error) {
			return json.Marshal(echoPayload{Model: model, Msgs: req.Messages})
		},
		ExtractContent: func(body []byte) (string, error) {
			var v struct {
				Text *string `json:"text"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", err
			}
			if v.Text == nil {
				return "", errors.New("missing text")
			}
			return *v.Text, nil
		},
		ParseDelta: func(payload []byte) (string, error) {
			var v struct {
				D string `json:"d"`
			}
			err := json.Unmarshal(payload, &v)
			return v.D, err
		},
	}
}

var hello = &ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}}

func TestClient_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/m1", r.URL.Path)
		assert.Equal(t, "Bearer key-0123456789abcdefghij", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.Header.Get("X-Extra"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p echoPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "m1", p.Model)
		fmt.Fprintf(w, `{"text":"echo: %s"}`, p.Msgs[0].Content)
	}))
	defer server.Close()

	c := NewClient(server.Client(), zap.NewNop())
	got, err := c.Call(context.Background(), testSpec(server.URL), hello, "m1", nil)

	require.NoError(t, err)
	assert.Equal(t, "echo: hello", got)
}

func TestClient_CallStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, services.IsTerminalClientError},
		{http.StatusUnprocessableEntity, services.IsTerminalClientError},
		{http.StatusTooManyRequests, services.IsServiceError},
		{http.StatusRequestTimeout, services.IsNetworkError},
		{http.StatusBadGateway, services.IsServiceError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"secret upstream detail"}}`))
			}))
			defer server.Close()

			_, err := NewClient(server.Client(), zap.NewNop()).
				Call(context.Background(), testSpec(server.URL), hello, "m", nil)

			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
			assert.NotContains(t, services.UserMessage(err), "secret")
		})
	}
}

func TestClient_CallUnexpectedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unexpected":true}`))
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), zap.NewNop()).
		Call(context.Background(), testSpec(server.URL), hello, "m", nil)
	assert.True(t, services.IsServiceError(err))
}

func TestClient_CallUnreachable(t *testing.T) {
	_, err := NewClient(nil, zap.NewNop()).
		Call(context.Background(), testSpec("http://127.0.0.1:1"), hello, "m", nil)
	assert.True(t, services.IsNetworkError(err))
}

func TestClient_CallTimeoutIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	spec.Timeout = 20 * time.Millisecond
	_, err := NewClient(server.Client(), zap.NewNop()).Call(context.Background(), spec, hello, "m", nil)
	assert.True(t, services.IsNetworkError(err))
}

func TestClient_CallCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(server.Client(), zap.NewNop()).Call(ctx, testSpec(server.URL), hello, "m", nil)
	assert.True(t, services.IsCanceledError(err))
}

func TestClient_CallStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"d\":%q}\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	var deltas []string
	req := &ChatRequest{Messages: hello.Messages, Stream: true}
	got, err := NewClient(server.Client(), zap.NewNop()).
		Call(context.Background(), testSpec(server.URL), req, "m", func(s string) { deltas = append(deltas, s) })

	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestClient_CallStreamInterrupted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"d\":\"par\"}\n\n")
		w.(http.Flusher).Flush()
		// abort the connection mid-stream
		conn, _, err := w.(http.Hijacker).Hijack()
		if assert.NoError(t, err) {
			conn.Close()
		}
	}))
	defer server.Close()

	req := &ChatRequest{Messages: hello.Messages, Stream: true}
	got, err := NewClient(server.Client(), zap.NewNop()).
		Call(context.Background(), testSpec(server.URL), req, "m", func(string) {})

	require.Error(t, err)
	assert.True(t, services.IsStreamInterruptedError(err), "got %v", err)
	assert.Equal(t, "par", got)
}

func TestClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.Header.Get("Authorization"), "abcdefghij") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), zap.NewNop())
	spec := testSpec(server.URL)
	assert.NoError(t, c.Ping(context.Background(), spec))

	spec.APIKey = "wrong"
	assert.True(t, services.IsTerminalClientError(c.Ping(context.Background(), spec)))
}
