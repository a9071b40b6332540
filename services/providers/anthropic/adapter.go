package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
)

const (
	providerName     = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	// The Messages API requires max_tokens; used when the caller sets none.
	defaultMaxTokens = 4096
)

// Adapter implements the providers.Adapter contract against the Anthropic
// Messages API. The backend has no native structured-output mode, so the
// capability flag routes schema requests through the emulator.
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
}

// New creates a new Anthropic adapter. An API key is required.
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
			NativeStructuredOutput: false,
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

// GenerateText performs a single Messages API call
func (a *Adapter) GenerateText(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	startTime := time.Now()

	apiReq := messagesRequest{
		Model:     req.Model,
		MaxTokens: defaultMaxTokens,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		apiReq.Temperature = req.Temperature
	}

	// System messages travel in the top-level system field, not the turn list.
	var system []string
	for _, msg := range req.Messages {
		if msg.Role == providers.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		apiReq.Messages = append(apiReq.Messages, apiMessage{Role: msg.Role, Content: msg.Content})
	}
	apiReq.System = strings.Join(system, "\n\n")

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
		baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, services.NewProviderError(services.ErrKindConfiguration, providerName,
			"failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, services.WrapNetwork(providerName, "failed to unmarshal response", err)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &providers.GenerateResult{
		Text: text.String(),
		Usage: providers.NormalizeUsage(providers.RawUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		}),
		FinishReason: mapStopReason(apiResp.StopReason),
		Latency:      time.Since(startTime),
	}, nil
}

// GenerateObject always fails: the capability flag is false and the
// orchestrator must route schema requests through the emulator.
func (a *Adapter) GenerateObject(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	return nil, services.NewProviderError(services.ErrKindConfiguration, providerName,
		"backend has no native structured output; route through the emulator", nil)
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

// mapStopReason maps Anthropic stop reasons onto the unified vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
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
	case statusCode == 529: // Anthropic "overloaded"
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

// Anthropic-specific request/response types

type messagesRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
