package telemetry

import (
	"context"

	"github.com/outfold/dispatch/models"
	"go.uber.org/zap"
)

// Sink receives one usage record per successful dispatch. Persistence and
// aggregation are the sink's concern; the orchestrator only emits.
type Sink interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
}

// UsageStore is the persistence dependency of StoreSink.
type UsageStore interface {
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
}

// LogSink writes usage records to the structured log. It is the default
// sink when no database is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs the usage record at info level
func (s *LogSink) Record(_ context.Context, rec *models.UsageRecord) error {
	s.logger.Info("usage recorded",
		zap.String("request_id", rec.RequestID.String()),
		zap.String("role", rec.Role),
		zap.String("provider", rec.Provider),
		zap.String("model", rec.Model),
		zap.Int("input_tokens", rec.InputTokens),
		zap.Int("output_tokens", rec.OutputTokens),
		zap.Int("total_tokens", rec.TotalTokens),
		zap.Int("latency_ms", rec.LatencyMs))
	return nil
}

// StoreSink persists usage records through a UsageStore. A store failure is
// logged but never fails the dispatch that produced the record.
type StoreSink struct {
	store  UsageStore
	logger *zap.Logger
}

// NewStoreSink creates a store-backed sink
func NewStoreSink(store UsageStore, logger *zap.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger}
}

// Record persists the usage record
func (s *StoreSink) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := s.store.InsertUsageRecord(ctx, rec); err != nil {
		s.logger.Error("failed to persist usage record",
			zap.String("request_id", rec.RequestID.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// MultiSink fans one record out to several sinks; the first error wins but
// every sink still sees the record.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record delivers the record to every sink
func (s *MultiSink) Record(ctx context.Context, rec *models.UsageRecord) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
