package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for different categories
var (
	// ErrConfiguration - missing or invalid required field; raised before any network activity
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation - malformed session parameter; raised before the configuration frame is sent
	ErrValidation = errors.New("validation error")

	// ErrConnection - transport or handshake failure
	ErrConnection = errors.New("connection error")

	// ErrProtocol - malformed or unexpected inbound frame; recorded, usually not fatal
	ErrProtocol = errors.New("protocol error")

	// ErrPermissionDenied - credential rejected by the peer (never retried)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound - resource not found (run, model, file)
	ErrNotFound = errors.New("not found")

	// ErrTransient - transient error (retry with backoff)
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)

// FieldError names the offending field (and value, when it is not a secret)
// of a configuration or validation failure.
type FieldError struct {
	Category error
	Field    string
	Value    any
	Reason   string
}

func (e *FieldError) Error() string {
	var b strings.Builder
	b.WriteString(e.Category.Error())
	b.WriteString(": ")
	b.WriteString(e.Field)
	if e.Value != nil {
		fmt.Fprintf(&b, " %#v", e.Value)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *FieldError) Unwrap() error {
	return e.Category
}

// ConnectionError carries the target host of a failed connect. The credential
// is never part of it.
type ConnectionError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: cannot connect to %s after %d attempt(s): %v", e.Host, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// MissingField reports a required configuration field that is absent or empty.
func MissingField(field string) error {
	return &FieldError{Category: ErrConfiguration, Field: field, Reason: "required field is missing"}
}

// InvalidConfig reports a configuration field with an unusable value.
func InvalidConfig(field string, reason string) error {
	return &FieldError{Category: ErrConfiguration, Field: field, Reason: reason}
}

// InvalidField reports a malformed session parameter.
func InvalidField(field string, value any, reason string) error {
	return &FieldError{Category: ErrValidation, Field: field, Value: value, Reason: reason}
}

// Protocol wraps error as protocol error
func Protocol(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProtocol)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// PermissionDenied wraps error as permission denied
func PermissionDenied(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermissionDenied)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// FieldOf returns the offending field name of a configuration or validation error.
func FieldOf(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	return ""
}
