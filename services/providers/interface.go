package providers

import (
	"context"
	"time"
)

// Adapter is the fixed contract every backend implements. The orchestrator
// only ever talks to backends through this interface; a new backend needs a
// new adapter and nothing else.
//
// Adapters must not retry internally — retry and fallback belong to the
// orchestrator — and must map every backend-specific failure into a
// services.DispatchError before returning.
type Adapter interface {
	// Name returns the provider name (e.g., "openai", "anthropic")
	Name() string

	// Capabilities returns the static capability flags for this backend
	Capabilities() Capabilities

	// GenerateText performs a single text generation call
	GenerateText(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// GenerateObject performs a native structured-output call. Adapters whose
	// Capabilities().NativeStructuredOutput is false must return a
	// configuration error here; the orchestrator routes them through the
	// structured-output emulator instead.
	GenerateObject(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// StreamText streams generated text as chunks on the returned channel.
	// Adapters without native streaming may buffer a full GenerateText call
	// and emit it as a single chunk; Capabilities().NativeStreaming declares
	// which behavior the caller gets.
	StreamText(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, error)
}

// Capabilities describes what a backend can do natively.
type Capabilities struct {
	NativeStructuredOutput bool `json:"native_structured_output"`
	NativeStreaming        bool `json:"native_streaming"`
	TemperatureControl     bool `json:"temperature_control"`
	TokenLimit             bool `json:"token_limit"`
}

// AuthRequirement describes how a provider authenticates.
type AuthRequirement string

const (
	AuthNone     AuthRequirement = "none"
	AuthRequired AuthRequirement = "required"
	// AuthOptional providers work unauthenticated but accept a credential
	// when one is configured (e.g., a local OpenAI-compatible server).
	AuthOptional AuthRequirement = "optional"
)

// Descriptor is the immutable registration record for a provider.
type Descriptor struct {
	Name         string          `json:"name"`
	Auth         AuthRequirement `json:"auth"`
	Capabilities Capabilities    `json:"capabilities"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// Message role constants shared across adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerateRequest is the unified request an adapter receives. The schema
// fields are only consulted by adapters with native structured output.
type GenerateRequest struct {
	// Model identifier (e.g., "gpt-4o", "claude-sonnet-4")
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length; 0 means provider default
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness; nil means provider default
	Temperature *float64 `json:"temperature,omitempty"`

	// BaseURL overrides the adapter's configured endpoint for this call;
	// empty means the provider-level URL. Set from the role configuration.
	BaseURL string `json:"base_url,omitempty"`

	// SchemaName and SchemaJSON carry the caller's schema for native
	// structured-output calls. SchemaJSON is a JSON Schema document.
	SchemaName string `json:"schema_name,omitempty"`
	SchemaJSON []byte `json:"schema_json,omitempty"`
}

// GenerateResult is the unified result of one adapter call.
type GenerateResult struct {
	// Text is the generated text for GenerateText calls
	Text string `json:"text,omitempty"`

	// Object is the decoded structured result for GenerateObject calls
	Object map[string]interface{} `json:"object,omitempty"`

	// Usage is the normalized token accounting for this call
	Usage Usage `json:"usage"`

	// FinishReason indicates why generation stopped
	// Values: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`

	// Latency of the backend call
	Latency time.Duration `json:"latency"`
}

// StreamChunk is one unit of streamed output.
type StreamChunk struct {
	// Text is the incremental text content
	Text string `json:"text"`

	// Done marks the final chunk; Usage and FinishReason are only
	// populated on it.
	Done         bool   `json:"done"`
	Usage        Usage  `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Err carries a terminal stream failure; the channel closes after it.
	Err error `json:"-"`
}

// Usage represents normalized token usage statistics
type Usage struct {
	// InputTokens used by the prompt
	InputTokens int `json:"input_tokens"`

	// OutputTokens used by the completion
	OutputTokens int `json:"output_tokens"`

	// TotalTokens is the sum of input and output tokens
	TotalTokens int `json:"total_tokens"`
}

// Config holds common construction inputs for adapters. Credential material
// is resolved by the config layer; adapters receive only final values.
type Config struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for the underlying HTTP client
	Timeout time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 60 * time.Second,
		Headers: make(map[string]string),
	}
}
