package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements the providers.Adapter contract against an
// OpenAI-compatible /chat/completions API. It supports native structured
// output via response_format json_schema.
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
}

// New creates a new OpenAI adapter. An API key is required.
func New(config providers.Config) (providers.Adapter, error) {
	if config.APIKey == "" {
		return nil, services.ErrMissingCredential
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &Adapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Descriptor returns the static registration record for this backend.
func Descriptor() providers.Descriptor {
	return providers.Descriptor{
		Name: providerName,
		Auth: providers.AuthRequired,
		Capabilities: providers.Capabilities{
			NativeStructuredOutput: true,
			NativeStreaming:        false,
			TemperatureControl:     true,
			TokenLimit:             true,
		},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Capabilities returns the static capability flags
func (a *Adapter) Capabilities() providers.Capabilities {
	return Descriptor().Capabilities
}

// GenerateText performs a single chat completion call
func (a *Adapter) GenerateText(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	return a.complete(ctx, req, nil)
}

// GenerateObject performs a chat completion constrained by a JSON schema.
// The backend validates the shape; the decoded object is returned as-is.
func (a *Adapter) GenerateObject(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	if len(req.SchemaJSON) == 0 {
		return nil, services.NewProviderError(services.ErrKindConfiguration, providerName,
			"GenerateObject requires a schema", nil)
	}

	name := req.SchemaName
	if name == "" {
		name = "result"
	}
	format := &responseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchemaFormat{
			Name:   name,
			Strict: true,
			Schema: json.RawMessage(req.SchemaJSON),
		},
	}

	result, err := a.complete(ctx, req, format)
	if err != nil {
		return nil, err
	}

	var object map[string]interface{}
	if err := json.Unmarshal([]byte(result.Text), &object); err != nil {
		return nil, services.NewProviderError(services.ErrKindNoStructuredOutput, providerName,
			"backend returned unparseable structured output", err)
	}
	result.Object = object
	result.Text = ""
	return result, nil
}

// StreamText buffers a full GenerateText call and emits it as one chunk;
// NativeStreaming is declared false in the capabilities.
func (a *Adapter) StreamText(ctx context.Context, req *providers.GenerateRequest) (<-chan providers.StreamChunk, error) {
	result, err := a.GenerateText(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamChunk, 2)
	out <- providers.StreamChunk{Text: result.Text}
	out <- providers.StreamChunk{Done: true, Usage: result.Usage, FinishReason: result.FinishReason}
	close(out)
	return out, nil
}

// complete executes one /chat/completions round trip.
func (a *Adapter) complete(ctx context.Context, req *providers.GenerateRequest, format *responseFormat) (*providers.GenerateResult, error) {
	startTime := time.Now()

	apiReq := chatRequest{
		Model:          req.Model,
		Messages:       make([]chatMessage, len(req.Messages)),
		ResponseFormat: format,
	}
	for i, msg := range req.Messages {
		apiReq.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature != nil {
		apiReq.Temperature = req.Temperature
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, services.NewProviderError(services.ErrKindConfiguration, providerName,
			"failed to marshal request", err)
	}

	baseURL := a.config.BaseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, services.NewProviderError(services.ErrKindConfiguration, providerName,
			"failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, services.WrapNetwork(providerName, "failed to read response", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapStatusError(httpResp.StatusCode, respBody)
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, services.WrapNetwork(providerName, "failed to unmarshal response", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, services.WrapNetwork(providerName, "empty response from backend", nil)
	}

	choice := apiResp.Choices[0]
	return &providers.GenerateResult{
		Text: choice.Message.Content,
		Usage: providers.NormalizeUsage(providers.RawUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		}),
		FinishReason: choice.FinishReason,
		Latency:      time.Since(startTime),
	}, nil
}

// mapTransportError classifies client-side failures.
func mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return services.NewProviderError(services.ErrKindCancelled, providerName, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return services.WrapTimeout(providerName, "request deadline exceeded", err)
	default:
		return services.WrapNetwork(providerName, "HTTP request failed", err)
	}
}

// mapStatusError classifies backend error responses.
func mapStatusError(statusCode int, body []byte) error {
	var errResp errorResponse
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	var kind services.ErrorKind
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = services.ErrKindAuth
	case statusCode == http.StatusTooManyRequests:
		kind = services.ErrKindRateLimit
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		kind = services.ErrKindTimeout
	case statusCode >= 500:
		kind = services.ErrKindNetwork
	default:
		kind = services.ErrKindConfiguration
	}

	return services.NewProviderError(kind, providerName,
		fmt.Sprintf("backend returned %d: %s", statusCode, message), nil)
}

// OpenAI-specific request/response types

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
