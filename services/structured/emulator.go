package structured

import (
	"context"
	"fmt"
	"strings"

	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
	"go.uber.org/zap"
)

const (
	// temperatureStep is added per corrective retry to shake a model out of
	// a repeated malformed answer. Bounded by maxEmulationTemperature.
	temperatureStep           = 0.2
	maxEmulationTemperature   = 1.0
	defaultCorrectiveAttempts = 2
)

// Emulator produces schema-constrained objects from backends that only
// generate free text. It synthesizes schema instructions into the prompt,
// extracts and validates JSON from the response, and retries with a
// corrective follow-up message when validation fails.
//
// Retry exhaustion follows the strict policy: the emulator reports a
// schema-validation failure and never backfills placeholder values.
type Emulator struct {
	maxRetries int
	logger     *zap.Logger
}

// NewEmulator creates an emulator. maxRetries bounds the corrective loop;
// values below zero fall back to the default.
func NewEmulator(maxRetries int, logger *zap.Logger) *Emulator {
	if maxRetries < 0 {
		maxRetries = defaultCorrectiveAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emulator{maxRetries: maxRetries, logger: logger}
}

// GenerateObject runs the emulation loop against the given adapter. The
// returned usage aggregates every underlying call, including corrective
// retries. The final failure is reported as one outcome; the orchestrator
// treats the whole loop as a single attempt.
func (e *Emulator) GenerateObject(ctx context.Context, adapter providers.Adapter, req *providers.GenerateRequest, schema *Schema) (*providers.GenerateResult, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	messages := augmentMessages(req.Messages, schema)
	temperature := req.Temperature
	var total providers.Usage
	var lastViolations []Violation

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, services.NewProviderError(services.ErrKindCancelled, adapter.Name(),
				"emulation cancelled", err)
		}

		callReq := &providers.GenerateRequest{
			Model:       req.Model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: temperature,
		}

		result, err := adapter.GenerateText(ctx, callReq)
		if err != nil {
			return nil, err
		}
		total = providers.AddUsage(total, result.Usage)

		object, err := ExtractObject(result.Text)
		if err != nil {
			e.logger.Debug("no JSON extracted from response",
				zap.String("provider", adapter.Name()),
				zap.Int("attempt", attempt))
			if attempt == e.maxRetries {
				return nil, services.NewProviderError(services.ErrKindNoStructuredOutput, adapter.Name(),
					fmt.Sprintf("no structured output after %d attempts", attempt+1), err)
			}
			messages = append(messages, providers.Message{
				Role: providers.RoleUser,
				Content: "Your previous reply contained no JSON object. Respond with only the JSON object " +
					"described earlier, with no surrounding text.",
			})
			temperature = bumpTemperature(temperature)
			continue
		}

		violations := schema.Check(object)
		if len(violations) == 0 {
			return &providers.GenerateResult{
				Object:       object,
				Usage:        total,
				FinishReason: result.FinishReason,
				Latency:      result.Latency,
			}, nil
		}
		lastViolations = violations

		e.logger.Debug("schema validation failed",
			zap.String("provider", adapter.Name()),
			zap.Int("attempt", attempt),
			zap.Int("violations", len(violations)))

		if attempt == e.maxRetries {
			break
		}
		messages = append(messages, providers.Message{
			Role:    providers.RoleUser,
			Content: correctiveMessage(violations, schema),
		})
		temperature = bumpTemperature(temperature)
	}

	err := services.NewProviderError(services.ErrKindSchemaValidation, adapter.Name(),
		fmt.Sprintf("schema validation failed after %d attempts", e.maxRetries+1), services.ErrSchemaValidation)
	for _, v := range lastViolations {
		err = err.WithDetail(v.Field, v.Reason)
	}
	return nil, err
}

// augmentMessages appends the schema instruction block to the system prompt
// and adds a hard constraint as the final user turn, which survives backends
// that weight the last message most heavily.
func augmentMessages(messages []providers.Message, schema *Schema) []providers.Message {
	instructions := renderInstructions(schema)

	out := make([]providers.Message, 0, len(messages)+2)
	appended := false
	for _, msg := range messages {
		if msg.Role == providers.RoleSystem && !appended {
			msg.Content = msg.Content + "\n\n" + instructions
			appended = true
		}
		out = append(out, msg)
	}
	if !appended {
		out = append([]providers.Message{{Role: providers.RoleSystem, Content: instructions}}, out...)
	}

	out = append(out, providers.Message{
		Role:    providers.RoleUser,
		Content: "Output only the JSON object, with no surrounding text, commentary, or code fences.",
	})
	return out
}

// renderInstructions turns the schema into a natural-language block with
// one illustrative example.
func renderInstructions(schema *Schema) string {
	var b strings.Builder
	name := schema.Name
	if name == "" {
		name = "result"
	}
	fmt.Fprintf(&b, "Respond with a single JSON object named %q with these fields:\n", name)
	for _, f := range schema.Fields {
		marker := "optional"
		if f.Required {
			marker = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)", f.Name, f.Type, marker)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Example: %s", schema.ExampleJSON())
	return b.String()
}

// correctiveMessage names the violating fields so the model can repair the
// specific problems rather than regenerate blindly.
func correctiveMessage(violations []Violation, schema *Schema) string {
	var b strings.Builder
	b.WriteString("The JSON object you produced does not match the required schema:\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "- %s\n", v.Reason)
	}
	b.WriteString("Produce the complete corrected JSON object again, with every required field filled in: ")
	b.WriteString(strings.Join(schema.RequiredFields(), ", "))
	b.WriteString(". Output only the JSON object.")
	return b.String()
}

// bumpTemperature raises the sampling temperature by one bounded step.
func bumpTemperature(current *float64) *float64 {
	next := temperatureStep
	if current != nil {
		next = *current + temperatureStep
	}
	if next > maxEmulationTemperature {
		next = maxEmulationTemperature
	}
	return &next
}
