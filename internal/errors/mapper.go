package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorMapper maps transport errors to the kiroku error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// HandshakeError is a rejected websocket upgrade. Body is truncated by the caller.
type HandshakeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("handshake rejected (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("handshake rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// DefaultErrorMapper implements the kiroku error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps dial and handshake errors to kiroku categories
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate cancellation as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("handshake timeout: %w", errors.Join(ErrTransient, err))
	}

	var hs *HandshakeError
	if errors.As(err, &hs) {
		switch {
		case hs.StatusCode == http.StatusUnauthorized, hs.StatusCode == http.StatusForbidden:
			return fmt.Errorf("credential rejected: %w", errors.Join(ErrPermissionDenied, err))
		case hs.StatusCode == http.StatusNotFound:
			return fmt.Errorf("realtime endpoint not found: %w", errors.Join(ErrNotFound, err))
		case hs.StatusCode == http.StatusTooManyRequests, hs.StatusCode >= 500:
			return fmt.Errorf("endpoint unavailable: %w", errors.Join(ErrTransient, err))
		default:
			return fmt.Errorf("handshake failed: %w", errors.Join(ErrInternal, err))
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("network error: %w", errors.Join(ErrTransient, err))
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", errors.Join(ErrTransient, err))
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "unreachable"), strings.Contains(errStr, "eof"):
		return fmt.Errorf("network error: %w", errors.Join(ErrTransient, err))
	default:
		return fmt.Errorf("internal error: %w", errors.Join(ErrInternal, err))
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the kiroku error category for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrConfiguration):
		return "ErrConfiguration"
	case errors.Is(err, ErrValidation):
		return "ErrValidation"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConnection):
		return "ErrConnection"
	case errors.Is(err, ErrProtocol):
		return "ErrProtocol"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// IsRetryable checks if an error is transient, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
