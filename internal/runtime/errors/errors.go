package errors

import (
	sterrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrConfigRequired     = sterrors.New("presto: configuration is required")
	ErrLoggerRequired     = sterrors.New("presto: logger is required")
	ErrBackendRequired    = sterrors.New("presto: queue backend is required")
	ErrRegistryRequired   = sterrors.New("presto: kind registry is required")
	ErrKindRequired       = sterrors.New("presto: kind is required")
	ErrKernelRequired     = sterrors.New("presto: kernel is required")
	ErrResultRequired     = sterrors.New("presto: result constructor is required")
	ErrKindRegistered     = sterrors.New("presto: kind already registered")
	ErrUnknownKind        = sterrors.New("presto: unknown kind")
	ErrInvalidEnvelope    = sterrors.New("presto: invalid message envelope")
	ErrTransientBackend   = sterrors.New("presto: transient backend error")
	ErrKernelTimeout      = sterrors.New("presto: kernel dispatch timed out")
	ErrKernelResultCount  = sterrors.New("presto: kernel returned a different number of messages")
	ErrCallbackDelivery   = sterrors.New("presto: callback delivery failed")
	ErrCallbackURLMissing = sterrors.New("presto: callback url is missing")
)

// ValidationError marks a message that can never succeed. The worker routes
// it to the dead-letter queue without retrying.
type ValidationError struct {
	// Code follows HTTP semantics: 422 for malformed payloads, 404 for
	// unregistered kinds.
	Code    int
	Message string
	Cause   error
}

// NewValidationError builds an unprocessable-entity validation error.
func NewValidationError(msg string, cause error) *ValidationError {
	return &ValidationError{Code: http.StatusUnprocessableEntity, Message: msg, Cause: cause}
}

// NewUnknownKindError builds the validation error reported for an
// unregistered kind.
func NewUnknownKindError(kind string) *ValidationError {
	return &ValidationError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("kind %q is not registered", kind),
		Cause:   ErrUnknownKind,
	}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("presto: validation failed (%d): %s: %v", e.Code, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("presto: validation failed (%d): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("presto: validation failed (%d): %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is reports ErrInvalidEnvelope for every validation error so callers can use
// a single sentinel check.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidEnvelope {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// KernelError wraps a failure raised by a kind's kernel.
type KernelError struct {
	Kind  string
	Cause error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("presto: kernel %q failed: %v", e.Kind, e.Cause)
}

func (e *KernelError) Unwrap() error {
	return e.Cause
}

// Transient wraps err so it matches ErrTransientBackend.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientBackend, op, err)
}

// Category groups errors by how the worker reacts to them.
type Category int

const (
	CategoryNone Category = iota
	CategoryValidation
	CategoryTransient
	CategoryTimeout
	CategoryKernel
	CategoryCallback
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryTransient:
		return "transient"
	case CategoryTimeout:
		return "timeout"
	case CategoryKernel:
		return "kernel"
	case CategoryCallback:
		return "callback"
	default:
		return "none"
	}
}

// Retryable reports whether a message failing with this category should be
// requeued.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryTimeout, CategoryKernel:
		return true
	default:
		return false
	}
}

// Classify maps an error onto a Category. Unknown errors count as kernel
// failures so they go through the retry path.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var validation *ValidationError
	var kernel *KernelError
	switch {
	case sterrors.As(err, &validation):
		return CategoryValidation
	case sterrors.Is(err, ErrKernelTimeout):
		return CategoryTimeout
	case sterrors.Is(err, ErrCallbackDelivery), sterrors.Is(err, ErrCallbackURLMissing):
		return CategoryCallback
	case sterrors.Is(err, ErrTransientBackend):
		return CategoryTransient
	case sterrors.As(err, &kernel):
		return CategoryKernel
	default:
		return CategoryKernel
	}
}

// StatusCode returns the HTTP-style status code describing err.
func StatusCode(err error) int {
	var validation *ValidationError
	if sterrors.As(err, &validation) && validation.Code != 0 {
		return validation.Code
	}
	if sterrors.Is(err, ErrKernelTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
