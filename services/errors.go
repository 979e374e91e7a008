package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNetwork           ErrorType = "network"
	ErrorTypeService           ErrorType = "service"
	ErrorTypeTerminalClient    ErrorType = "terminal_client"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeConfiguration     ErrorType = "configuration"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeCanceled          ErrorType = "canceled"
	ErrorTypeStreamInterrupted ErrorType = "stream_interrupted"
)

// DomainError represents a structured error with additional context.
// Message is always safe to show to an end user; raw upstream payloads
// only ever travel in Details.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Never call WithDetail on these.
var (
	ErrNetwork           = &DomainError{Type: ErrorTypeNetwork, Message: "network error"}
	ErrService           = &DomainError{Type: ErrorTypeService, Message: "provider service error"}
	ErrTerminalClient    = &DomainError{Type: ErrorTypeTerminalClient, Message: "request rejected by provider"}
	ErrCircuitOpen       = &DomainError{Type: ErrorTypeCircuitOpen, Message: "circuit open"}
	ErrConfiguration     = &DomainError{Type: ErrorTypeConfiguration, Message: "no eligible provider"}
	ErrValidation        = &DomainError{Type: ErrorTypeValidation, Message: "invalid input"}
	ErrCanceled          = &DomainError{Type: ErrorTypeCanceled, Message: "request canceled"}
	ErrStreamInterrupted = &DomainError{Type: ErrorTypeStreamInterrupted, Message: "stream interrupted"}
)

func NewNetworkError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, err)
}

func NewServiceError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeService, message, err)
}

func NewTerminalClientError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeTerminalClient, message, err)
}

func NewCircuitOpenError(message string) *DomainError {
	return NewDomainError(ErrorTypeCircuitOpen, message, nil)
}

func NewConfigurationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, message, err)
}

func NewValidationError(message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil)
}

func NewCanceledError(err error) *DomainError {
	return NewDomainError(ErrorTypeCanceled, "request canceled", err)
}

// NewStreamInterruptedError reports a stream that failed after part of the
// response was already delivered to the caller.
func NewStreamInterruptedError(partial string, err error) *DomainError {
	return NewDomainError(ErrorTypeStreamInterrupted, "response stream was interrupted", err).
		WithDetail("partial", partial)
}

// ClassifyHTTPStatus maps an upstream HTTP status to the error taxonomy.
// body is attached as a detail, truncated, and never used as the message.
func ClassifyHTTPStatus(provider string, status int, body string) *DomainError {
	var de *DomainError
	switch {
	case status == http.StatusRequestTimeout:
		de = NewNetworkError(fmt.Sprintf("%s timed out handling the request", provider), nil)
	case status == http.StatusTooManyRequests:
		de = NewServiceError(fmt.Sprintf("%s is rate limiting requests", provider), nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		de = NewTerminalClientError(fmt.Sprintf("%s rejected the API key", provider), nil)
	case status >= 400 && status < 500:
		de = NewTerminalClientError(fmt.Sprintf("%s rejected the request", provider), nil)
	default:
		de = NewServiceError(fmt.Sprintf("%s is unavailable", provider), nil)
	}
	de.WithDetail("provider", provider).WithDetail("status", status)
	if body != "" {
		de.WithDetail("body", truncate(body, 512))
	}
	return de
}

// Classify returns the ErrorType an arbitrary error belongs to. Errors that
// are not already classified are treated as network failures when they come
// from the transport and as service failures otherwise.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorTypeNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeNetwork
	}
	return ErrorTypeService
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorTypeNetwork, ErrorTypeService:
		return true
	default:
		return false
	}
}

// Error type checking helper functions

func IsNetworkError(err error) bool {
	return hasType(err, ErrorTypeNetwork)
}

func IsServiceError(err error) bool {
	return hasType(err, ErrorTypeService)
}

func IsTerminalClientError(err error) bool {
	return hasType(err, ErrorTypeTerminalClient)
}

func IsCircuitOpenError(err error) bool {
	return hasType(err, ErrorTypeCircuitOpen)
}

func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfiguration)
}

func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

func IsCanceledError(err error) bool {
	return hasType(err, ErrorTypeCanceled)
}

func IsStreamInterruptedError(err error) bool {
	return hasType(err, ErrorTypeStreamInterrupted)
}

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// UserMessage returns the display-safe message for err.
func UserMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "an unexpected error occurred"
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
