package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDispatchError(t *testing.T) {
	baseErr := errors.New("base error")
	err := NewDispatchError(ErrKindNetwork, "connection refused", baseErr)

	assert.Equal(t, ErrKindNetwork, err.Kind)
	assert.Equal(t, "connection refused", err.Message)
	assert.Equal(t, baseErr, err.Err)
	assert.True(t, err.Retryable)
	assert.NotNil(t, err.Details)
}

func TestDispatchError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DispatchError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DispatchError{
				Kind:    ErrKindTimeout,
				Message: "attempt deadline exceeded",
				Err:     errors.New("context deadline exceeded"),
			},
			wantMsg: "timeout: attempt deadline exceeded (context deadline exceeded)",
		},
		{
			name: "error without wrapped error",
			err: &DispatchError{
				Kind:    ErrKindAuth,
				Message: "invalid API key",
			},
			wantMsg: "auth: invalid API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDispatchError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := NewDispatchError(ErrKindNetwork, "network failure", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(err))
}

func TestDispatchError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same kind matches sentinel",
			err:    NewDispatchError(ErrKindConfiguration, "unknown role", nil),
			target: ErrRoleNotConfigured,
			want:   true,
		},
		{
			name:   "different kind does not match",
			err:    NewDispatchError(ErrKindAuth, "rejected", nil),
			target: ErrRoleNotConfigured,
			want:   false,
		},
		{
			name:   "foreign target does not match",
			err:    NewDispatchError(ErrKindAuth, "rejected", nil),
			target: errors.New("auth"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDispatchError_WithDetail(t *testing.T) {
	err := NewDispatchError(ErrKindSchemaValidation, "validation failed", nil).
		WithDetail("field", "title is missing")

	assert.Equal(t, "title is missing", err.Details["field"])
}

func TestNewProviderError(t *testing.T) {
	err := NewProviderError(ErrKindRateLimit, "openai", "429 from backend", nil)

	assert.Equal(t, "openai", err.Provider)
	assert.Equal(t, ErrKindRateLimit, err.Kind)
	assert.True(t, err.Retryable)
}

func TestKindRetryability(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{ErrKindRateLimit, true},
		{ErrKindTimeout, true},
		{ErrKindNetwork, true},
		{ErrKindAuth, false},
		{ErrKindConfiguration, false},
		{ErrKindNoStructuredOutput, false},
		{ErrKindSchemaValidation, false},
		{ErrKindCancelled, false},
		{ErrKindExhausted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := NewDispatchError(tt.kind, "x", nil)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrKindTimeout, KindOf(NewDispatchError(ErrKindTimeout, "x", nil)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))

	wrapped := NewDispatchError(ErrKindExhausted, "outer", NewDispatchError(ErrKindAuth, "inner", nil))
	assert.Equal(t, ErrKindExhausted, KindOf(wrapped))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsAuthError(NewDispatchError(ErrKindAuth, "x", nil)))
	assert.True(t, IsConfigurationError(NewDispatchError(ErrKindConfiguration, "x", nil)))
	assert.True(t, IsCancelled(NewDispatchError(ErrKindCancelled, "x", nil)))
	assert.True(t, IsExhausted(NewDispatchError(ErrKindExhausted, "x", nil)))
	assert.False(t, IsAuthError(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapHelpers(t *testing.T) {
	netErr := WrapNetwork("openai", "connection reset", errors.New("reset"))
	assert.Equal(t, ErrKindNetwork, KindOf(netErr))
	assert.True(t, IsRetryable(netErr))

	timeoutErr := WrapTimeout("anthropic", "deadline", errors.New("deadline"))
	assert.Equal(t, ErrKindTimeout, KindOf(timeoutErr))
	assert.True(t, IsRetryable(timeoutErr))
}
