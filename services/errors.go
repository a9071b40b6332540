package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a dispatch failure and drives the retry/fallback
// decision in the orchestrator.
type ErrorKind string

const (
	// ErrKindAuth means a credential was missing or rejected. Never retried
	// on the same candidate; the orchestrator advances immediately.
	ErrKindAuth ErrorKind = "auth"

	// ErrKindConfiguration means the role or provider is unknown or
	// misconfigured. Fatal; no dispatch attempt is made.
	ErrKindConfiguration ErrorKind = "configuration"

	// ErrKindRateLimit, ErrKindTimeout and ErrKindNetwork are transient
	// backend conditions, retried on the same candidate with backoff.
	ErrKindRateLimit ErrorKind = "rate_limit"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindNetwork   ErrorKind = "network"

	// ErrKindNoStructuredOutput means no parseable JSON could be extracted
	// from a free-text response during structured-output emulation.
	ErrKindNoStructuredOutput ErrorKind = "no_structured_output"

	// ErrKindSchemaValidation means extracted JSON did not satisfy the
	// caller's schema after the emulator's corrective retries.
	ErrKindSchemaValidation ErrorKind = "schema_validation"

	// ErrKindCancelled means the caller's context was cancelled. The
	// orchestrator aborts without advancing to another candidate.
	ErrKindCancelled ErrorKind = "cancelled"

	// ErrKindExhausted is the terminal aggregate after every candidate in a
	// role's fallback chain has failed.
	ErrKindExhausted ErrorKind = "exhausted"
)

// DispatchError is the structured error carried through the dispatch layer.
// Adapters map backend-specific failures into one of these before returning;
// callers only ever see DispatchError values.
type DispatchError struct {
	Kind      ErrorKind
	Provider  string
	Message   string
	Retryable bool
	Err       error
	Details   map[string]interface{}
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is; two DispatchErrors match when their kinds match.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail adds a detail to the error
func (e *DispatchError) WithDetail(key string, value interface{}) *DispatchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDispatchError creates a new dispatch error of the given kind.
func NewDispatchError(kind ErrorKind, message string, err error) *DispatchError {
	return &DispatchError{
		Kind:      kind,
		Message:   message,
		Retryable: kindRetryable(kind),
		Err:       err,
		Details:   make(map[string]interface{}),
	}
}

// NewProviderError creates a dispatch error attributed to a provider.
func NewProviderError(kind ErrorKind, provider, message string, err error) *DispatchError {
	e := NewDispatchError(kind, message, err)
	e.Provider = provider
	return e
}

// kindRetryable returns the default same-candidate retryability for a kind.
func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrKindRateLimit, ErrKindTimeout, ErrKindNetwork:
		return true
	default:
		return false
	}
}

// Sentinel errors for the common kinds.
var (
	ErrRoleNotConfigured    = NewDispatchError(ErrKindConfiguration, "role not configured", nil)
	ErrProviderNotFound     = NewDispatchError(ErrKindConfiguration, "provider not registered", nil)
	ErrMissingCredential    = NewDispatchError(ErrKindAuth, "missing provider credential", nil)
	ErrNoStructuredOutput   = NewDispatchError(ErrKindNoStructuredOutput, "no structured output produced", nil)
	ErrSchemaValidation     = NewDispatchError(ErrKindSchemaValidation, "response did not satisfy schema", nil)
	ErrDispatchCancelled    = NewDispatchError(ErrKindCancelled, "dispatch cancelled by caller", nil)
	ErrCandidatesExhausted  = NewDispatchError(ErrKindExhausted, "all candidates exhausted", nil)
	ErrStreamingUnsupported = NewDispatchError(ErrKindConfiguration, "provider does not support streaming", nil)
)

// KindOf returns the ErrorKind of err, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsRetryable reports whether err may be retried on the same candidate.
// Foreign errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// IsAuthError checks if an error is an auth error
func IsAuthError(err error) bool {
	return KindOf(err) == ErrKindAuth
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return KindOf(err) == ErrKindConfiguration
}

// IsCancelled checks if an error is a caller cancellation
func IsCancelled(err error) bool {
	return KindOf(err) == ErrKindCancelled
}

// IsExhausted checks if an error is the terminal exhausted aggregate
func IsExhausted(err error) bool {
	return KindOf(err) == ErrKindExhausted
}

// WrapNetwork wraps a transport failure as a network-kind provider error.
func WrapNetwork(provider, message string, err error) error {
	return NewProviderError(ErrKindNetwork, provider, message, err)
}

// WrapTimeout wraps a deadline failure as a timeout-kind provider error.
func WrapTimeout(provider, message string, err error) error {
	return NewProviderError(ErrKindTimeout, provider, message, err)
}
