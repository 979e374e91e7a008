package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeService, "provider unavailable", baseErr)

	assert.Equal(t, ErrorTypeService, domainErr.Type)
	assert.Equal(t, "provider unavailable", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNetwork,
				Message: "connection failed",
				Err:     errors.New("dial tcp: refused"),
			},
			wantMsg: "network: connection failed (dial tcp: refused)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeCircuitOpen,
				Message: "openai is temporarily unavailable",
			},
			wantMsg: "circuit_open: openai is temporarily unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same error type", NewServiceError("boom", nil), ErrService, true},
		{"wrapped same type", fmt.Errorf("call: %w", NewNetworkError("reset", nil)), ErrNetwork, true},
		{"different error type", NewServiceError("boom", nil), ErrTerminalClient, false},
		{"not a domain error target", NewServiceError("boom", nil), errors.New("regular"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewTerminalClientError("bad key", nil)
	err.WithDetail("provider", "openai").WithDetail("status", 401)

	assert.Equal(t, "openai", err.Details["provider"])
	assert.Equal(t, 401, err.Details["status"])
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusBadRequest, ErrorTypeTerminalClient},
		{http.StatusUnauthorized, ErrorTypeTerminalClient},
		{http.StatusForbidden, ErrorTypeTerminalClient},
		{http.StatusNotFound, ErrorTypeTerminalClient},
		{http.StatusConflict, ErrorTypeTerminalClient},
		{http.StatusRequestTimeout, ErrorTypeNetwork},
		{http.StatusTooManyRequests, ErrorTypeService},
		{http.StatusInternalServerError, ErrorTypeService},
		{http.StatusBadGateway, ErrorTypeService},
		{http.StatusServiceUnavailable, ErrorTypeService},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ClassifyHTTPStatus("openai", tt.status, `{"error":"raw"}`)
			assert.Equal(t, tt.want, err.Type)
			assert.Equal(t, tt.status, err.Details["status"])
			assert.NotContains(t, err.Message, "raw")
		})
	}
}

func TestClassifyHTTPStatus_TruncatesBody(t *testing.T) {
	body := make([]byte, 2000)
	for i := range body {
		body[i] = 'x'
	}
	err := ClassifyHTTPStatus("anthropic", 500, string(body))
	assert.Len(t, err.Details["body"], 515)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ""},
		{"domain error", NewTerminalClientError("bad", nil), ErrorTypeTerminalClient},
		{"context canceled", context.Canceled, ErrorTypeCanceled},
		{"deadline exceeded", fmt.Errorf("post: %w", context.DeadlineExceeded), ErrorTypeNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrorTypeNetwork},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrorTypeNetwork},
		{"unclassified", errors.New("something odd"), ErrorTypeService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewNetworkError("reset", nil)))
	assert.True(t, IsRetryable(NewServiceError("500", nil)))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(NewTerminalClientError("401", nil)))
	assert.False(t, IsRetryable(NewCircuitOpenError("open")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(NewStreamInterruptedError("par", errors.New("eof"))))
}

func TestTypeHelpers(t *testing.T) {
	wrapped := func(err error) error { return fmt.Errorf("wrapped: %w", err) }

	assert.True(t, IsNetworkError(wrapped(NewNetworkError("x", nil))))
	assert.True(t, IsServiceError(wrapped(NewServiceError("x", nil))))
	assert.True(t, IsTerminalClientError(wrapped(NewTerminalClientError("x", nil))))
	assert.True(t, IsCircuitOpenError(wrapped(NewCircuitOpenError("x"))))
	assert.True(t, IsConfigurationError(wrapped(NewConfigurationError("x", nil))))
	assert.True(t, IsValidationError(wrapped(NewValidationError("x"))))
	assert.True(t, IsCanceledError(wrapped(NewCanceledError(context.Canceled))))
	assert.True(t, IsStreamInterruptedError(wrapped(NewStreamInterruptedError("p", nil))))

	assert.False(t, IsNetworkError(NewServiceError("x", nil)))
	assert.False(t, IsConfigurationError(errors.New("regular")))
	assert.False(t, IsCircuitOpenError(nil))
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeConfiguration, GetErrorType(NewConfigurationError("none left", nil)))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("regular")))
}

func TestGetErrorDetails(t *testing.T) {
	err := NewStreamInterruptedError("Hel", errors.New("reset"))

	details := GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, "Hel", details["partial"])

	assert.Nil(t, GetErrorDetails(errors.New("regular error")))
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "openai rejected the API key", UserMessage(ClassifyHTTPStatus("openai", 401, "")))
	assert.Equal(t, "an unexpected error occurred", UserMessage(errors.New("raw upstream text")))
}

func TestWrapError(t *testing.T) {
	baseErr := errors.New("base error")
	wrapped := WrapError(ErrorTypeService, "wrapped message", baseErr)

	var domainErr *DomainError
	require.True(t, errors.As(wrapped, &domainErr))
	assert.Equal(t, ErrorTypeService, domainErr.Type)
	assert.Equal(t, "wrapped message", domainErr.Message)
	assert.Equal(t, baseErr, errors.Unwrap(wrapped))
}
