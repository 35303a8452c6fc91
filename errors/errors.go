// Package errors provides standardized error handling patterns for shmview components.
// It includes error classification, the stream condition taxonomy, and helper functions
// for consistent error wrapping and classification across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Stream conditions. Every one of these is retried by the reconnect loop;
// ErrGeometryChanged and ErrProducerGone are re-attach signals rather than failures.
var (
	ErrStreamNotFound         = errors.New("stream not found")
	ErrStreamNotReady         = errors.New("stream not ready")
	ErrMapFailed              = errors.New("stream mapping failed")
	ErrOpenFailed             = errors.New("stream resource open failed")
	ErrUnsupportedElementType = errors.New("unsupported element type")
	ErrNoDisplayMapping       = errors.New("element type has no display mapping")
	ErrGeometryChanged        = errors.New("stream geometry changed")
	ErrProducerGone           = errors.New("stream producer gone")
)

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection errors (display sinks)
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Data errors
	ErrInvalidData = errors.New("invalid data format")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// streamKinds maps each stream sentinel to the short label used in logs and metrics.
var streamKinds = []struct {
	err  error
	kind string
}{
	{ErrStreamNotFound, "not_found"},
	{ErrStreamNotReady, "not_ready"},
	{ErrMapFailed, "map_failed"},
	{ErrOpenFailed, "open_failed"},
	{ErrUnsupportedElementType, "unsupported_element_type"},
	{ErrNoDisplayMapping, "no_display_mapping"},
	{ErrGeometryChanged, "geometry_changed"},
	{ErrProducerGone, "producer_gone"},
}

// StreamErrorKind returns a stable label for the stream condition carried by err,
// "none" for nil and "other" for errors outside the stream taxonomy.
func StreamErrorKind(err error) string {
	if err == nil {
		return "none"
	}
	for _, sk := range streamKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	return "other"
}

// IsStreamCondition reports whether err belongs to the stream taxonomy.
func IsStreamCondition(err error) bool {
	k := StreamErrorKind(err)
	return k != "none" && k != "other"
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if IsStreamCondition(err) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"temporary",
		"unavailable",
		"busy",
		"resource temporarily",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"fatal", "panic", "out of memory"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Unknown errors default to transient so the reconnect loop keeps waiting
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Stream wraps cause under the stream sentinel kind as a transient error, keeping
// both kind and cause reachable through errors.Is.
func Stream(kind, cause error, component, method, action string) error {
	if kind == nil {
		return WrapTransient(cause, component, method, action)
	}
	joined := kind
	if cause != nil {
		joined = fmt.Errorf("%w: %w", kind, cause)
	}
	return WrapTransient(joined, component, method, action)
}
