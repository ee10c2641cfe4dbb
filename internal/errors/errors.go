// Package errors defines the typed error taxonomy shared by the ingestion
// pipeline. Per-relay failures are always isolated: only ErrUnreachable is
// ever surfaced to a caller as a hard failure.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an error for propagation decisions.
type ErrorType string

const (
	// TypeConnection marks transient transport failures. Triggers
	// backoff/retry, never surfaced unless every relay is exhausted.
	TypeConnection ErrorType = "connection"
	// TypeProtocol marks a malformed relay message. The message is dropped
	// and logged; the connection is not torn down.
	TypeProtocol ErrorType = "protocol"
	// TypeRateLimit marks local admission throttling. Requests queue rather
	// than fail unless the caller's deadline elapses.
	TypeRateLimit ErrorType = "rate_limit"
	// TypePublishRejected marks a relay OK:false response.
	TypePublishRejected ErrorType = "publish_rejected"
	// TypeUnreachable marks exhaustion of every targeted relay.
	TypeUnreachable ErrorType = "unreachable"
	// TypeValidation marks invalid caller input (bad filter, bad URL).
	TypeValidation ErrorType = "validation"
	// TypeSigner marks a failure reported by the injected signer capability.
	TypeSigner ErrorType = "signer"
)

// Severity indicates how loudly an error should be logged.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AppError is the error value used across the engine.
type AppError struct {
	Type     ErrorType
	Code     string
	Message  string
	Severity Severity
	Relay    string // originating relay URL, when relay-scoped
	cause    error
}

func (e *AppError) Error() string {
	if e.Relay != "" {
		return fmt.Sprintf("%s [%s] %s: %s", e.Type, e.Code, e.Relay, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Type, e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Is matches on Type so callers can compare against sentinel constructors.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return e.Type == other.Type && (other.Code == "" || e.Code == other.Code)
	}
	return false
}

// New creates an AppError without a cause.
func New(t ErrorType, code, msg string) *AppError {
	return &AppError{Type: t, Code: code, Message: msg, Severity: SeverityMedium}
}

// Wrap attaches a cause to a new AppError.
func Wrap(cause error, t ErrorType, code, msg string) *AppError {
	return &AppError{Type: t, Code: code, Message: msg, Severity: SeverityMedium, cause: cause}
}

func (e *AppError) WithSeverity(s Severity) *AppError {
	e.Severity = s
	return e
}

func (e *AppError) WithRelay(url string) *AppError {
	e.Relay = url
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrConnection      = &AppError{Type: TypeConnection}
	ErrProtocol        = &AppError{Type: TypeProtocol}
	ErrRateLimited     = &AppError{Type: TypeRateLimit}
	ErrPublishRejected = &AppError{Type: TypePublishRejected}
	ErrUnreachable     = &AppError{Type: TypeUnreachable}
)

// ConnectionError wraps a transport failure for one relay.
func ConnectionError(relay string, cause error) *AppError {
	return Wrap(cause, TypeConnection, "RELAY_CONNECTION_FAILED",
		"relay connection failed").WithRelay(relay).WithSeverity(SeverityLow)
}

// ProtocolError wraps a malformed message from a relay.
func ProtocolError(relay, detail string) *AppError {
	return New(TypeProtocol, "MALFORMED_MESSAGE", detail).
		WithRelay(relay).WithSeverity(SeverityLow)
}

// RateLimitError reports that local admission control timed out.
func RateLimitError(detail string) *AppError {
	return New(TypeRateLimit, "ADMISSION_TIMEOUT", detail).WithSeverity(SeverityLow)
}

// PublishRejectedError reports an OK:false from one relay.
func PublishRejectedError(relay, reason string) *AppError {
	return New(TypePublishRejected, "PUBLISH_REJECTED", reason).
		WithRelay(relay).WithSeverity(SeverityLow)
}

// UnreachableError reports that every relay targeted by an operation
// exhausted its retry budget.
func UnreachableError(op string) *AppError {
	return New(TypeUnreachable, "ALL_RELAYS_UNREACHABLE",
		fmt.Sprintf("%s: no targeted relay is reachable", op)).
		WithSeverity(SeverityHigh)
}

// ValidationError reports invalid caller input.
func ValidationError(detail string) *AppError {
	return New(TypeValidation, "INVALID_INPUT", detail).WithSeverity(SeverityLow)
}

// SignerError wraps a failure from the injected signer.
func SignerError(op string, cause error) *AppError {
	return Wrap(cause, TypeSigner, "SIGNER_FAILED", op)
}
