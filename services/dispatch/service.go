package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outfold/dispatch/models"
	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/roles"
	"github.com/outfold/dispatch/services/structured"
	"github.com/outfold/dispatch/services/telemetry"
	"go.uber.org/zap"
)

// Config holds the orchestrator's retry policy defaults. Per-call Options
// override MaxRetries and AttemptTimeout.
type Config struct {
	// MaxRetries is the same-candidate retry count for transient errors,
	// and the emulator's corrective-retry bound.
	MaxRetries int

	// AttemptTimeout bounds each individual attempt
	AttemptTimeout time.Duration

	// BaseBackoff is the first backoff delay; it doubles per retry
	BaseBackoff time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		AttemptTimeout: 60 * time.Second,
		BaseBackoff:    250 * time.Millisecond,
	}
}

// Service is the dispatch orchestrator. It resolves a role to its ordered
// candidate chain and drives attempts through adapters, directly or through
// the structured-output emulator, until one succeeds or all are exhausted.
//
// Attempts run sequentially; candidates are never raced. The only shared
// mutable state behind a dispatch is the registry's adapter cache.
type Service struct {
	config   Config
	resolver *roles.Resolver
	registry *providers.Registry
	sink     telemetry.Sink
	logger   *zap.Logger
}

// NewService creates a dispatch orchestrator
func NewService(config Config, resolver *roles.Resolver, registry *providers.Registry, sink telemetry.Sink, logger *zap.Logger) *Service {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:   config,
		resolver: resolver,
		registry: registry,
		sink:     sink,
		logger:   logger,
	}
}

// Dispatch generates text for the given role.
func (s *Service) Dispatch(ctx context.Context, role string, messages []providers.Message, opts Options) (*Result, error) {
	env, err := s.buildEnvelope(role, messages, nil, "", opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, env)
}

// DispatchStructured generates an object validated against schema for the
// given role. Providers without native structured output are routed through
// the emulator.
func (s *Service) DispatchStructured(ctx context.Context, role string, messages []providers.Message, schema *structured.Schema, opts Options) (*Result, error) {
	if schema == nil {
		return nil, services.NewDispatchError(services.ErrKindConfiguration, "schema is required", nil)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	env, err := s.buildEnvelope(role, messages, schema, schema.Name, opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, env)
}

// DispatchStream opens a text stream for the given role. Candidates are
// tried in order until one yields a stream; there is no mid-stream retry.
func (s *Service) DispatchStream(ctx context.Context, role string, messages []providers.Message, opts Options) (<-chan providers.StreamChunk, *Result, error) {
	env, err := s.buildEnvelope(role, messages, nil, "", opts)
	if err != nil {
		return nil, nil, err
	}

	candidates, err := s.resolver.Resolve(env.Role)
	if err != nil {
		return nil, nil, err
	}

	var attempts []AttemptRecord
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return nil, nil, s.cancelled(env, ctx.Err())
		}
		adapter, err := s.registry.Get(candidate.Provider)
		if err != nil {
			attempts = append(attempts, recordFailure(candidate.Provider, err, 0))
			continue
		}
		stream, err := adapter.StreamText(ctx, s.buildRequest(env, candidate))
		if err != nil {
			if services.IsCancelled(err) {
				return nil, nil, s.cancelled(env, err)
			}
			attempts = append(attempts, recordFailure(candidate.Provider, err, 0))
			continue
		}
		meta := &Result{
			RequestID: env.RequestID,
			Role:      env.Role,
			Provider:  candidate.Provider,
			Model:     candidate.Model,
			Attempts:  attempts,
		}
		return s.forwardStream(ctx, env, candidate, stream), meta, nil
	}
	return nil, nil, s.exhausted(env, attempts)
}

// forwardStream relays the adapter's chunks to the caller, recording the
// usage carried on the final chunk so streamed dispatches account like the
// non-streaming paths.
func (s *Service) forwardStream(ctx context.Context, env *Envelope, candidate roles.Config, stream <-chan providers.StreamChunk) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range stream {
			if chunk.Done && chunk.Err == nil {
				s.emitUsage(ctx, env, candidate, &Result{Usage: chunk.Usage})
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// buildEnvelope resolves options against the service defaults.
func (s *Service) buildEnvelope(role string, messages []providers.Message, schema *structured.Schema, objectName string, opts Options) (*Envelope, error) {
	if role == "" {
		return nil, services.NewDispatchError(services.ErrKindConfiguration, "role is required", nil)
	}
	if len(messages) == 0 {
		return nil, services.NewDispatchError(services.ErrKindConfiguration, "messages cannot be empty", nil)
	}

	env := &Envelope{
		RequestID:      uuid.New(),
		Role:           role,
		Messages:       messages,
		Schema:         schema,
		ObjectName:     objectName,
		MaxRetries:     s.config.MaxRetries,
		AttemptTimeout: s.config.AttemptTimeout,
		Temperature:    opts.Temperature,
		MaxTokens:      opts.MaxTokens,
	}
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		env.MaxRetries = *opts.MaxRetries
	}
	if opts.AttemptTimeout > 0 {
		env.AttemptTimeout = opts.AttemptTimeout
	}
	return env, nil
}

// run drives the SELECT -> ATTEMPT -> {SUCCESS, RETRY, ADVANCE} -> EXHAUSTED
// state machine over the role's candidate chain.
func (s *Service) run(ctx context.Context, env *Envelope) (*Result, error) {
	started := time.Now()

	candidates, err := s.resolver.Resolve(env.Role)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("dispatch starting",
		zap.String("request_id", env.RequestID.String()),
		zap.String("role", env.Role),
		zap.Int("candidates", len(candidates)),
		zap.Bool("structured", env.Schema != nil))

	var attempts []AttemptRecord

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return nil, s.cancelled(env, ctx.Err())
		}

		adapter, err := s.registry.Get(candidate.Provider)
		if err != nil {
			// Construction failure (missing credential) skips to the next
			// candidate without any backoff.
			s.logger.Warn("adapter unavailable, advancing",
				zap.String("request_id", env.RequestID.String()),
				zap.String("provider", candidate.Provider),
				zap.Error(err))
			attempts = append(attempts, recordFailure(candidate.Provider, err, 0))
			continue
		}

		result, rec, err := s.attemptCandidate(ctx, env, candidate, adapter)
		attempts = append(attempts, rec...)
		if err == nil {
			result.Latency = time.Since(started)
			result.Attempts = attempts
			s.emitUsage(ctx, env, candidate, result)
			s.logger.Info("dispatch succeeded",
				zap.String("request_id", env.RequestID.String()),
				zap.String("role", env.Role),
				zap.String("provider", candidate.Provider),
				zap.Int("attempts", len(attempts)+1),
				zap.Int("total_tokens", result.Usage.TotalTokens))
			return result, nil
		}
		if services.IsCancelled(err) || ctx.Err() != nil {
			return nil, s.cancelled(env, err)
		}
		// ADVANCE: fall through to the next candidate.
	}

	return nil, s.exhausted(env, attempts)
}

// attemptCandidate runs one candidate with bounded same-candidate retries.
// It returns the attempt records it accumulated; a nil error means success.
func (s *Service) attemptCandidate(ctx context.Context, env *Envelope, candidate roles.Config, adapter providers.Adapter) (*Result, []AttemptRecord, error) {
	var records []AttemptRecord
	var lastErr error

	for try := 0; try <= env.MaxRetries; try++ {
		if try > 0 {
			// Backoff only ever precedes a retry of a retryable failure.
			if err := s.backoff(ctx, try); err != nil {
				return nil, records, services.NewDispatchError(services.ErrKindCancelled,
					"cancelled during backoff", err)
			}
		}
		if ctx.Err() != nil {
			return nil, records, services.NewDispatchError(services.ErrKindCancelled,
				"cancelled before attempt", ctx.Err())
		}

		result, latency, err := s.attemptOnce(ctx, env, candidate, adapter)
		if err == nil {
			return result, records, nil
		}
		lastErr = err
		records = append(records, recordFailure(candidate.Provider, err, latency))

		if services.IsCancelled(err) || ctx.Err() != nil {
			return nil, records, err
		}
		if !services.IsRetryable(err) {
			// Auth, configuration and emulator-terminal failures advance
			// immediately; raw retry would reproduce the same outcome.
			return nil, records, err
		}

		s.logger.Debug("retrying candidate",
			zap.String("request_id", env.RequestID.String()),
			zap.String("provider", candidate.Provider),
			zap.Int("try", try+1),
			zap.String("error_kind", string(services.KindOf(err))))
	}

	return nil, records, lastErr
}

// attemptOnce executes a single bounded attempt against one adapter.
func (s *Service) attemptOnce(ctx context.Context, env *Envelope, candidate roles.Config, adapter providers.Adapter) (*Result, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, env.AttemptTimeout)
	defer cancel()

	req := s.buildRequest(env, candidate)
	started := time.Now()

	var gr *providers.GenerateResult
	var err error

	switch {
	case env.Schema == nil:
		gr, err = adapter.GenerateText(attemptCtx, req)
	case adapter.Capabilities().NativeStructuredOutput:
		gr, err = adapter.GenerateObject(attemptCtx, req)
	default:
		emulator := structured.NewEmulator(env.MaxRetries, s.logger)
		gr, err = emulator.GenerateObject(attemptCtx, adapter, req, env.Schema)
	}

	latency := time.Since(started)
	if err != nil {
		// A deadline on the attempt context alone is a timeout; the parent
		// context being done is a caller cancellation.
		if ctx.Err() != nil {
			return nil, latency, services.NewProviderError(services.ErrKindCancelled,
				candidate.Provider, "dispatch cancelled", ctx.Err())
		}
		return nil, latency, err
	}

	return &Result{
		RequestID:    env.RequestID,
		Role:         env.Role,
		Provider:     candidate.Provider,
		Model:        candidate.Model,
		Text:         gr.Text,
		Object:       gr.Object,
		Usage:        gr.Usage,
		FinishReason: gr.FinishReason,
	}, latency, nil
}

// buildRequest materializes the adapter request for one candidate, applying
// per-call overrides over the role's configuration.
func (s *Service) buildRequest(env *Envelope, candidate roles.Config) *providers.GenerateRequest {
	req := &providers.GenerateRequest{
		Model:     candidate.Model,
		Messages:  env.Messages,
		MaxTokens: candidate.MaxOutputTokens,
		BaseURL:   candidate.BaseURL,
	}
	if env.MaxTokens > 0 {
		req.MaxTokens = env.MaxTokens
	}
	if env.Temperature != nil {
		req.Temperature = env.Temperature
	} else if candidate.Temperature != nil {
		req.Temperature = candidate.Temperature
	}
	if env.Schema != nil {
		req.SchemaName = env.ObjectName
		if doc, err := env.Schema.JSONSchema(); err == nil {
			req.SchemaJSON = doc
		}
	}
	return req
}

// backoff sleeps for the exponential delay of the given retry, aborting
// early when the caller cancels.
func (s *Service) backoff(ctx context.Context, try int) error {
	delay := s.config.BaseBackoff * time.Duration(1<<uint(try-1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// emitUsage sends the normalized usage record to the telemetry sink.
func (s *Service) emitUsage(ctx context.Context, env *Envelope, candidate roles.Config, result *Result) {
	if s.sink == nil {
		return
	}
	rec := models.NewUsageRecord(env.RequestID, env.Role, candidate.Provider, candidate.Model)
	rec.InputTokens = result.Usage.InputTokens
	rec.OutputTokens = result.Usage.OutputTokens
	rec.TotalTokens = result.Usage.TotalTokens
	rec.LatencyMs = int(result.Latency.Milliseconds())
	if err := s.sink.Record(ctx, rec); err != nil {
		s.logger.Warn("telemetry sink failed",
			zap.String("request_id", env.RequestID.String()),
			zap.Error(err))
	}
}

// cancelled builds the terminal cancellation error.
func (s *Service) cancelled(env *Envelope, cause error) error {
	s.logger.Info("dispatch cancelled",
		zap.String("request_id", env.RequestID.String()),
		zap.String("role", env.Role))
	return services.NewDispatchError(services.ErrKindCancelled, "dispatch cancelled by caller", cause).
		WithDetail("request_id", env.RequestID.String())
}

// exhausted aggregates every attempt into the single terminal error the
// caller sees; raw backend errors never escape.
func (s *Service) exhausted(env *Envelope, attempts []AttemptRecord) error {
	s.logger.Warn("dispatch exhausted",
		zap.String("request_id", env.RequestID.String()),
		zap.String("role", env.Role),
		zap.Int("attempts", len(attempts)))

	err := services.NewDispatchError(services.ErrKindExhausted,
		fmt.Sprintf("all candidates for role %q exhausted after %d attempts", env.Role, len(attempts)),
		services.ErrCandidatesExhausted)
	err = err.WithDetail("request_id", env.RequestID.String())

	reasons := make([]string, 0, len(attempts))
	for _, a := range attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %s: %s", a.Provider, a.ErrorKind, a.Message))
	}
	return err.WithDetail("attempts", reasons)
}

// recordFailure builds the attempt record for a failed attempt.
func recordFailure(provider string, err error, latency time.Duration) AttemptRecord {
	return AttemptRecord{
		Provider:  provider,
		ErrorKind: services.KindOf(err),
		Retryable: services.IsRetryable(err),
		Latency:   latency,
		Message:   err.Error(),
	}
}
