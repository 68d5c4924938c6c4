// Package docerr defines the error taxonomy every component boundary
// converts its internal failures into: a small set of Kinds carrying a
// stable machine-readable Code and a human Message. The HTTP boundary is
// the only place that maps a Kind to a status code; the LogBus emits an
// ERROR entry carrying the same Code. Components never retry on their own —
// retry is the Queue's responsibility alone.
package docerr

import (
	"errors"
	"fmt"
)

// Kind is one of the six error kinds from the propagation policy.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthorizationDenied Kind = "authorization_denied"
	KindResourceExhausted   Kind = "resource_exhausted"
	KindTransient           Kind = "transient"
	KindFatal               Kind = "fatal"
	KindShutdown            Kind = "shutdown"
)

// Stable machine-readable codes referenced by tests, logs, and API bodies.
const (
	CodeQueueFull            = "QUEUE_FULL"
	CodeSystemSaturated      = "SYSTEM_SATURATED"
	CodeUserSaturated        = "USER_SATURATED"
	CodeDBSaturated          = "DB_SATURATED"
	CodeUnsupportedFormat    = "UNSUPPORTED_FORMAT"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeExceededRetries      = "EXCEEDED_RETRIES"
	CodeShutdown             = "SHUTDOWN"
	CodeTimeout              = "TIMEOUT"
	CodeCancelled            = "CANCELLED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeAIProviderError      = "AI_PROVIDER_ERROR"
	CodeStoreError           = "STORE_ERROR"
	CodeSlowConsumer         = "SLOW_CONSUMER"
	CodeHeartbeatTimeout     = "HEARTBEAT_TIMEOUT"
)

// Error is the concrete error type every component boundary raises.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a Kind-tagged error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap tags an existing error with a Kind and Code, preserving it as the cause.
func Wrap(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: cause.Error(), cause: cause}
}

// Wrapf is Wrap with a formatted message replacing the cause's own message.
func Wrapf(kind Kind, code string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindFatal when err does
// not carry a *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindFatal
}

// CodeOf extracts the stable code from err, or "" when err does not carry a
// *Error.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the Queue should retry the task that raised
// err (Transient errors only — Fatal, Validation, AuthorizationDenied never
// retry; Shutdown retries only after process restart, handled by
// RecoveryManager rather than the in-process Queue retry path).
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
