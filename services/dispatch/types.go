package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/structured"
)

// Options carries per-call overrides. The zero value means "use the role's
// configuration and the service defaults".
type Options struct {
	// Temperature overrides the role's configured temperature
	Temperature *float64

	// MaxTokens overrides the role's configured output token limit
	MaxTokens int

	// MaxRetries bounds same-candidate retries for transient errors and the
	// emulator's corrective loop; nil means the service default.
	MaxRetries *int

	// AttemptTimeout bounds each individual attempt. The tighter of this and
	// the caller's context deadline governs. Zero means the service default.
	AttemptTimeout time.Duration
}

// Envelope is the internal per-dispatch request state. It is built once per
// caller invocation; only the emulator mutates its message view, and only by
// appending corrective turns to a copy.
type Envelope struct {
	RequestID      uuid.UUID
	Role           string
	Messages       []providers.Message
	Schema         *structured.Schema
	ObjectName     string
	MaxRetries     int
	AttemptTimeout time.Duration
	Temperature    *float64
	MaxTokens      int
}

// Result is the normalized outcome of a successful dispatch. Exactly one of
// Text and Object is set, matching the operation invoked.
type Result struct {
	RequestID    uuid.UUID              `json:"request_id"`
	Role         string                 `json:"role"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	Text         string                 `json:"text,omitempty"`
	Object       map[string]interface{} `json:"object,omitempty"`
	Usage        providers.Usage        `json:"usage"`
	FinishReason string                 `json:"finish_reason"`
	Latency      time.Duration          `json:"latency"`
	Attempts     []AttemptRecord        `json:"attempts,omitempty"`
}

// AttemptRecord captures one attempt for diagnostics and the exhausted
// aggregate. Kept only for the duration of a dispatch.
type AttemptRecord struct {
	Provider  string             `json:"provider"`
	ErrorKind services.ErrorKind `json:"error_kind,omitempty"`
	Retryable bool               `json:"retryable"`
	Latency   time.Duration      `json:"latency"`
	Message   string             `json:"message,omitempty"`
}
