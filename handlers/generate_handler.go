package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/outfold/dispatch/middleware"
	"github.com/outfold/dispatch/services/dispatch"
	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/structured"
	"github.com/outfold/dispatch/utils"
	"go.uber.org/zap"
)

// Dispatcher is the orchestration dependency of the generate handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, role string, messages []providers.Message, opts dispatch.Options) (*dispatch.Result, error)
	DispatchStructured(ctx context.Context, role string, messages []providers.Message, schema *structured.Schema, opts dispatch.Options) (*dispatch.Result, error)
}

// GenerateRequest is the wire shape of POST /api/v1/generate
type GenerateRequest struct {
	Role        string        `json:"role" validate:"required"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	MaxRetries  *int          `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=5"`
	TimeoutMs   *int          `json:"timeout_ms,omitempty" validate:"omitempty,gt=0"`
}

// GenerateObjectRequest is the wire shape of POST /api/v1/generate/object
type GenerateObjectRequest struct {
	GenerateRequest
	Schema SchemaPayload `json:"schema" validate:"required"`
}

// SchemaPayload is the wire shape of a structured-output schema
type SchemaPayload struct {
	Name   string         `json:"name,omitempty"`
	Fields []FieldPayload `json:"fields" validate:"required,min=1,dive"`
}

// FieldPayload is one schema field on the wire
type FieldPayload struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=string number integer boolean array object"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Items       string `json:"items,omitempty" validate:"omitempty,oneof=string number integer boolean object"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// GenerateResponse is the wire shape of a successful generation
type GenerateResponse struct {
	RequestID    string                 `json:"request_id"`
	Role         string                 `json:"role"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	Text         string                 `json:"text,omitempty"`
	Object       map[string]interface{} `json:"object,omitempty"`
	Usage        providers.Usage        `json:"usage"`
	FinishReason string                 `json:"finish_reason"`
	LatencyMs    int                    `json:"latency_ms"`
}

// GenerateHandler handles generation HTTP requests
type GenerateHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewGenerateHandler creates a new GenerateHandler
func NewGenerateHandler(dispatcher Dispatcher, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleGenerate handles POST /api/v1/generate
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		h.writeValidationError(w, requestID, err)
		return
	}

	result, err := h.dispatcher.Dispatch(ctx, req.Role, toMessages(req.Messages), toOptions(req))
	if err != nil {
		h.writeDispatchError(w, requestID, err)
		return
	}

	h.logger.Info("generation successful",
		zap.String("request_id", requestID),
		zap.String("role", req.Role),
		zap.String("provider", result.Provider),
		zap.Int("total_tokens", result.Usage.TotalTokens))

	_ = utils.WriteOK(w, toResponse(result))
}

// HandleGenerateObject handles POST /api/v1/generate/object
func (h *GenerateHandler) HandleGenerateObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req GenerateObjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		h.writeValidationError(w, requestID, err)
		return
	}

	schema := toSchema(req.Schema)
	result, err := h.dispatcher.DispatchStructured(ctx, req.Role, toMessages(req.Messages), schema, toOptions(req.GenerateRequest))
	if err != nil {
		h.writeDispatchError(w, requestID, err)
		return
	}

	h.logger.Info("structured generation successful",
		zap.String("request_id", requestID),
		zap.String("role", req.Role),
		zap.String("provider", result.Provider),
		zap.Int("total_tokens", result.Usage.TotalTokens))

	_ = utils.WriteOK(w, toResponse(result))
}

func (h *GenerateHandler) writeValidationError(w http.ResponseWriter, requestID string, err error) {
	h.logger.Warn("request validation failed",
		zap.String("request_id", requestID),
		zap.Error(err))
	details := make(map[string]interface{})
	for field, msg := range utils.GetValidationFields(err) {
		details[field] = msg
	}
	_ = utils.WriteBadRequest(w, "Validation failed", details)
}

func (h *GenerateHandler) writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	h.logger.Error("dispatch failed",
		zap.String("request_id", requestID),
		zap.Error(err))
	WriteDispatchError(w, err)
}

func toMessages(in []ChatMessage) []providers.Message {
	out := make([]providers.Message, len(in))
	for i, m := range in {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toOptions(req GenerateRequest) dispatch.Options {
	opts := dispatch.Options{
		Temperature: req.Temperature,
		MaxRetries:  req.MaxRetries,
	}
	if req.MaxTokens != nil {
		opts.MaxTokens = *req.MaxTokens
	}
	if req.TimeoutMs != nil {
		opts.AttemptTimeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	return opts
}

func toSchema(payload SchemaPayload) *structured.Schema {
	schema := &structured.Schema{Name: payload.Name}
	for _, f := range payload.Fields {
		schema.Fields = append(schema.Fields, structured.Field{
			Name:        f.Name,
			Type:        structured.FieldType(f.Type),
			Description: f.Description,
			Required:    f.Required,
			Items:       structured.FieldType(f.Items),
		})
	}
	return schema
}

func toResponse(result *dispatch.Result) GenerateResponse {
	return GenerateResponse{
		RequestID:    result.RequestID.String(),
		Role:         result.Role,
		Provider:     result.Provider,
		Model:        result.Model,
		Text:         result.Text,
		Object:       result.Object,
		Usage:        result.Usage,
		FinishReason: result.FinishReason,
		LatencyMs:    int(result.Latency.Milliseconds()),
	}
}
