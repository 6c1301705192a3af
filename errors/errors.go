// Package errors provides standardized error handling for semscope components and containers.
// It includes error classification, the sentinel errors of the component model, helpers for
// consistent wrapping, and a wire form that lets errors cross a container boundary without
// losing their identity.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/semscope/pkg/retry"
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

// Sentinel errors of the component model. These are the kinds a caller is expected to
// test for with errors.Is, whether the failing object is local or behind a proxy.
var (
	// ErrConstruction is returned when a component type is unknown or its arguments are invalid.
	ErrConstruction = errors.New("component construction failed")
	// ErrNotFound is returned when a container or an object inside it does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrValidation is returned when an attribute rejects a value.
	ErrValidation = errors.New("value validation failed")
	// ErrReadOnly is returned when writing an attribute that is read-only.
	ErrReadOnly = errors.New("attribute is read-only")
	// ErrHardware marks a fault reported by the device rather than by the framework.
	ErrHardware = errors.New("hardware error")
	// ErrUnreachable is returned by a proxy whose hosting container died or stopped answering.
	ErrUnreachable = errors.New("component unreachable")
	// ErrTimeout is returned when a blocking wait exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled is returned when the result of a cancelled task is requested.
	ErrCancelled = errors.New("task cancelled")
	// ErrTerminated is returned by any operation on a component after Terminate.
	ErrTerminated = errors.New("component terminated")
	// ErrCallKind is returned when a method is invoked with the wrong call kind.
	ErrCallKind = errors.New("wrong call kind for method")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Data errors
	ErrInvalidData       = errors.New("invalid data format")
	ErrResourceExhausted = errors.New("resource exhausted")
)

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

// HardwareError is the value a driver stores in its component state when the device
// reports a fault. It matches ErrHardware with errors.Is.
type HardwareError struct {
	Message string
}

// NewHardwareError creates a hardware error with a formatted message
func NewHardwareError(format string, args ...any) *HardwareError {
	return &HardwareError{Message: fmt.Sprintf(format, args...)}
}

func (e *HardwareError) Error() string {
	return "hardware error: " + e.Message
}

// Is reports whether target is ErrHardware
func (e *HardwareError) Is(target error) bool {
	return target == ErrHardware
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

	if errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
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

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrResourceExhausted)
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

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrReadOnly) ||
		errors.Is(err, ErrConstruction) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCallKind)
}

// IsUnreachable reports whether err means the remote object is gone, as opposed to
// the remote object having rejected the call.
func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// IsValidation reports whether an attribute rejected a value
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether a lookup failed
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCancelled reports whether err comes from a cancelled task
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsTimeout reports whether a wait deadline passed
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsHardware reports whether err is a device fault
func IsHardware(err error) bool { return errors.Is(err, ErrHardware) }

// IsTerminated reports whether err comes from a terminated component
func IsTerminated(err error) bool { return errors.Is(err, ErrTerminated) }

// IsConstruction reports whether instantiating a component failed
func IsConstruction(err error) bool { return errors.Is(err, ErrConstruction) }

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

	return ErrorTransient
}

// newClassified creates a new classified error.
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
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

// Validationf returns an ErrValidation with a formatted reason
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []error
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}

	if !IsTransient(err) {
		return false
	}

	if len(rc.RetryableErrors) > 0 {
		for _, retryableErr := range rc.RetryableErrors {
			if errors.Is(err, retryableErr) {
				return true
			}
		}
		return false
	}

	return true
}

// ToRetryConfig converts to the retry package Config. MaxRetries counts additional
// attempts, so one is added to obtain total attempts.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
