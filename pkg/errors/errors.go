// Package errors provides the error taxonomy shared by the device-context SDK.
//
// Source normalizers fail with MappingError. The transaction client returns
// KindTransport errors for faults it cannot classify from an HTTP status.
// Classified HTTP outcomes are not errors at all, see client.Outcome.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all SDK errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "client.PushBatch")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindMapping
	KindAuthOrRateLimit
	KindValidation
	KindUnclassified
	KindTimeout
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindMapping:
		return "mapping"
	case KindAuthOrRateLimit:
		return "auth_or_rate_limit"
	case KindValidation:
		return "validation_rejected"
	case KindUnclassified:
		return "unclassified"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Mapping Error
// =============================================================================

// MappingError reports a source record that cannot be turned into a
// device-context record.
type MappingError struct {
	// Source is the integration label ("puppet", "rapid7").
	Source string

	// Index is the zero-based position of the offending record in the export.
	Index int

	// Field names the missing or malformed field, if known.
	Field string

	// Err is the underlying parse error, if any.
	Err error
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	msg := fmt.Sprintf("%s record %d", e.Source, e.Index)
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *MappingError) Unwrap() error {
	return e.Err
}

// Is matches any *Error target of KindMapping, so errors.Is(err, ErrMapping) works.
func (e *MappingError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindMapping
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Mapping builds a MappingError.
func Mapping(source string, index int, field string, err error) error {
	return &MappingError{Source: source, Index: index, Field: field, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var m *MappingError
	if errors.As(err, &m) {
		return KindMapping
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsMappingError checks if err is a mapping failure and returns it.
func IsMappingError(err error) (*MappingError, bool) {
	var m *MappingError
	if errors.As(err, &m) {
		return m, true
	}
	return nil, false
}

// IsTransportError checks if the error is a transport-level fault.
func IsTransportError(err error) bool {
	return GetKind(err) == KindTransport
}

// IsTimeoutError checks if the error is a timeout error.
func IsTimeoutError(err error) bool {
	return GetKind(err) == KindTimeout
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrMapping matches every MappingError.
	ErrMapping = &Error{Kind: KindMapping, Message: "record mapping failed"}

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "operation timed out"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}

	// ErrMissingCredentials is returned when client id or secret key is missing.
	ErrMissingCredentials = &Error{Kind: KindInvalidInput, Message: "client id and secret key are required"}
)
