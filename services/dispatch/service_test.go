package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/outfold/dispatch/models"
	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/roles"
	"github.com/outfold/dispatch/services/structured"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdapter fails a scripted number of times before succeeding, recording
// every call it sees.
type fakeAdapter struct {
	mu           sync.Mutex
	name         string
	capabilities providers.Capabilities
	failures     []error
	text         string
	calls        int
	lastRequest  *providers.GenerateRequest
}

func (a *fakeAdapter) Name() string                         { return a.name }
func (a *fakeAdapter) Capabilities() providers.Capabilities { return a.capabilities }

func (a *fakeAdapter) GenerateText(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRequest = req
	call := a.calls
	a.calls++
	if call < len(a.failures) {
		return nil, a.failures[call]
	}
	return &providers.GenerateResult{
		Text:         a.text,
		Usage:        providers.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		FinishReason: "stop",
	}, nil
}

func (a *fakeAdapter) GenerateObject(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	result, err := a.GenerateText(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Object = map[string]interface{}{"title": result.Text}
	result.Text = ""
	return result, nil
}

func (a *fakeAdapter) StreamText(ctx context.Context, req *providers.GenerateRequest) (<-chan providers.StreamChunk, error) {
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

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// recordingSink captures every usage record it receives.
type recordingSink struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (s *recordingSink) Record(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type fixture struct {
	service *Service
	primary *fakeAdapter
	backup  *fakeAdapter
	sink    *recordingSink
}

// newFixture wires a two-candidate chain: primary -> backup.
func newFixture(t *testing.T, cfg Config, primary, backup *fakeAdapter) *fixture {
	t.Helper()

	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(providers.Descriptor{
		Name: primary.name, Capabilities: primary.capabilities,
	}, func(providers.Config) (providers.Adapter, error) { return primary, nil }, providers.Config{}))
	require.NoError(t, registry.Register(providers.Descriptor{
		Name: backup.name, Capabilities: backup.capabilities,
	}, func(providers.Config) (providers.Adapter, error) { return backup, nil }, providers.Config{}))

	table := map[string]roles.Config{
		"primary": {Role: "primary", Provider: primary.name, Model: "model-a", MaxOutputTokens: 512,
			BaseURL: "https://primary.gateway.internal", Fallback: "backup"},
		"backup": {Role: "backup", Provider: backup.name, Model: "model-b", MaxOutputTokens: 256},
	}
	resolver, err := roles.NewResolver(table, registry)
	require.NoError(t, err)

	sink := &recordingSink{}
	return &fixture{
		service: NewService(cfg, resolver, registry, sink, zap.NewNop()),
		primary: primary,
		backup:  backup,
		sink:    sink,
	}
}

func fastConfig() Config {
	return Config{MaxRetries: 2, AttemptTimeout: time.Second, BaseBackoff: time.Millisecond}
}

func userMessages() []providers.Message {
	return []providers.Message{{Role: providers.RoleUser, Content: "hello"}}
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture(t, fastConfig(),
		&fakeAdapter{name: "alpha", text: "generated"},
		&fakeAdapter{name: "beta", text: "unused"})

	result, err := f.service.Dispatch(context.Background(), "primary", userMessages(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "generated", result.Text)
	assert.Equal(t, "alpha", result.Provider)
	assert.Equal(t, "model-a", result.Model)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Equal(t, 0, f.backup.callCount())

	// The role's token limit and endpoint override reach the adapter.
	assert.Equal(t, 512, f.primary.lastRequest.MaxTokens)
	assert.Equal(t, "https://primary.gateway.internal", f.primary.lastRequest.BaseURL)
}

func TestDispatch_RetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t, fastConfig(),
		&fakeAdapter{
			name:     "alpha",
			text:     "recovered",
			failures: []error{services.WrapNetwork("alpha", "reset", nil)},
		},
		&fakeAdapter{name: "beta", text: "unused"})

	result, err := f.service.Dispatch(context.Background(), "primary", userMessages(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 2, f.primary.callCount())
	assert.Equal(t, 0, f.backup.callCount())
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, services.ErrKindNetwork, result.Attempts[0].ErrorKind)
}

// A candidate that keeps failing transiently is retried exactly MaxRetries
// times after the initial attempt, then the chain advances.
func TestDispatch_FallbackAfterExactRetryBudget(t *testing.T) {
	transient := services.WrapTimeout("alpha", "deadline", nil)
	f := newFixture(t, fastConfig(),
		&fakeAdapter{
			name:     "alpha",
			failures: []error{transient, transient, transient, transient, transient},
		},
		&fakeAdapter{name: "beta", text: "fallback result"})

	result, err := f.service.Dispatch(context.Background(), "primary", userMessages(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "fallback result", result.Text)
	assert.Equal(t, "beta", result.Provider)
	// initial attempt + MaxRetries retries
	assert.Equal(t, 3, f.primary.callCount())
	assert.Equal(t, 1, f.backup.callCount())
	assert.Len(t, result.Attempts, 3)
}

// Non-retryable failures advance immediately: no same-candidate retry and no
// backoff delay.
func TestDispatch_NonRetryableAdvancesImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseBackoff = time.Hour // would hang the test if backoff ran

	f := newFixture(t, cfg,
		&fakeAdapter{
			name:     "alpha",
			failures: []error{services.NewProviderError(services.ErrKindAuth, "alpha", "key rejected", nil)},
		},
		&fakeAdapter{name: "beta", text: "fallback result"})

	done := make(chan struct{})
	var result *Result
	var err error
	go func() {
		result, err = f.service.Dispatch(context.Background(), "primary", userMessages(), Options{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked; backoff ran for a non-retryable failure")
	}

	require.NoError(t, err)
	assert.Equal(t, "beta", result.Provider)
	assert.Equal(t, 1, f.primary.callCount())
}

func TestDispatch_Exhausted(t *testing.T) {
	authErr := services.NewProviderError(services.ErrKindAuth, "alpha", "key rejected", nil)
	f := newFixture(t, fastConfig(),
		&fakeAdapter{name: "alpha", failures: []error{authErr}},
		&fakeAdapter{name: "beta", failures: []error{
			services.NewProviderError(services.ErrKindConfiguration, "beta", "bad model", nil),
		}})

	_, err := f.service.Dispatch(context.Background(), "primary", userMessages(), Options{})
	require.Error(t, err)

	assert.True(t, services.IsExhausted(err))

	var de *services.DispatchError
	require.ErrorAs(t, err, &de)
	reasons, ok := de.Details["attempts"].([]string)
	require.True(t, ok)
	require.Len(t, reasons, 2)
	assert.Contains(t, reasons[0], "alpha")
	assert.Contains(t, reasons[1], "beta")
}

// Cancellation settles as cancelled without advancing to the next candidate.
func TestDispatch_CancellationDoesNotAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	blocking := &fakeAdapter{name: "alpha"}
	f := newFixture(t, fastConfig(), blocking, &fakeAdapter{name: "beta", text: "unused"})

	// Cancel while the first attempt is in flight.
	blocking.failures = []error{services.NewProviderError(services.ErrKindCancelled, "alpha", "cancelled", context.Canceled)}
	cancel()

	_, err := f.service.Dispatch(ctx, "primary", userMessages(), Options{})
	require.Error(t, err)
	assert.True(t, services.IsCancelled(err))
	assert.Equal(t, 0, f.backup.callCount())
}

func TestDispatch_UnknownRole(t *testing.T) {
	f := newFixture(t, fastConfig(),
		&fakeAdapter{name: "alpha", text: "x"},
		&fakeAdapter{name: "beta", text: "y"})

	_, err := f.service.Dispatch(context.Background(), "ghost", userMessages(), Options{})
	require.Error(t, err)
	assert.True(t, services.IsConfigurationError(err))
}

func TestDispatch_InputValidation(t *testing.T) {
	f := newFixture(t, fastConfig(),
		&fakeAdapter{name: "alpha", text: "x"},
		&fakeAdapter{name: "beta", text: "y"})

	_, err := f.service.Dispatch(context.Background(), "", userMessages(), Options{})
	assert.True(t, services.IsConfigurationError(err))

	_, err = f.service.Dispatch(context.Background(), "primary", nil, Options{})
	assert.True(t, services.IsConfigurationError(err))
}

func TestDispatch_OptionOverrides(t *testing.T) {
	f := newFixture(t, fastConfig(),
		&fakeAdapter{name: "alpha", text: "x"},
		&fakeAdapter{name: "beta", text: "y"})

	temp := 0.9
	_, err := f.service.Dispatch(context.Background(), "primary", userMessages(), Options{
		Temperature: &temp,
		MaxTokens:   64,
	})
	require.NoError(t, err)

	req := f.primary.lastRequest
	assert.Equal(t, 64, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.9, *req.Temperature)
}

func TestDispatch_EmitsUsage(t *testing.T) {
	f := newFixture(t, fastConfig(),
		&fakeAdapter{name: "alpha", text: "x"},
		&fakeAdapter{name: "beta", text: "y"})

	result, err := f.service.Dispatch(context.Background(), "primary", userMessages(), Options{})
	require.NoError(t, err)

	require.Len(t, f.sink.records, 1)
	rec := f.sink.records[0]
	assert.Equal(t, result.RequestID, rec.RequestID)
	assert.Equal(t, "primary", rec.Role)
	assert.Equal(t, "alpha", rec.Provider)
	assert.Equal(t, 15, rec.TotalTokens)
	assert.Equal(t, rec.InputTokens+rec.OutputTokens, rec.TotalTokens)
}

func TestDispatchStructured(t *testing.T) {
	t.Run("native structured output goes straight to the adapter", func(t *testing.T) {
		native := &fakeAdapter{
			name:         "alpha",
			text:         "native title",
			capabilities: providers.Capabilities{NativeStructuredOutput: true},
		}
		f := newFixture(t, fastConfig(), native, &fakeAdapter{name: "beta"})

		result, err := f.service.DispatchStructured(context.Background(), "primary", userMessages(), &structured.Schema{
			Name:   "summary",
			Fields: []structured.Field{{Name: "title", Type: structured.TypeString, Required: true}},
		}, Options{})
		require.NoError(t, err)

		assert.Equal(t, "native title", result.Object["title"])
		assert.NotEmpty(t, f.primary.lastRequest.SchemaJSON)
	})

	t.Run("emulated structured output extracts from text", func(t *testing.T) {
		emulated := &fakeAdapter{name: "alpha", text: `{"title": "emulated"}`}
		f := newFixture(t, fastConfig(), emulated, &fakeAdapter{name: "beta"})

		result, err := f.service.DispatchStructured(context.Background(), "primary", userMessages(), &structured.Schema{
			Fields: []structured.Field{{Name: "title", Type: structured.TypeString, Required: true}},
		}, Options{})
		require.NoError(t, err)

		assert.Equal(t, "emulated", result.Object["title"])
	})

	t.Run("nil schema is rejected", func(t *testing.T) {
		f := newFixture(t, fastConfig(), &fakeAdapter{name: "alpha"}, &fakeAdapter{name: "beta"})
		_, err := f.service.DispatchStructured(context.Background(), "primary", userMessages(), nil, Options{})
		assert.True(t, services.IsConfigurationError(err))
	})

	t.Run("emulator terminal failure advances to the fallback", func(t *testing.T) {
		// The primary only ever emits prose, so emulation fails terminally;
		// the backup produces valid JSON.
		f := newFixture(t, Config{MaxRetries: 1, AttemptTimeout: time.Second, BaseBackoff: time.Millisecond},
			&fakeAdapter{name: "alpha", text: "no json here"},
			&fakeAdapter{name: "beta", text: `{"title": "rescued"}`})

		result, err := f.service.DispatchStructured(context.Background(), "primary", userMessages(), &structured.Schema{
			Fields: []structured.Field{{Name: "title", Type: structured.TypeString, Required: true}},
		}, Options{})
		require.NoError(t, err)

		assert.Equal(t, "rescued", result.Object["title"])
		// One emulation loop on the primary: initial + MaxRetries corrective.
		assert.Equal(t, 2, f.primary.callCount())
	})
}

func TestDispatchStream(t *testing.T) {
	t.Run("streams from the first healthy candidate", func(t *testing.T) {
		f := newFixture(t, fastConfig(),
			&fakeAdapter{name: "alpha", text: "chunked"},
			&fakeAdapter{name: "beta", text: "unused"})

		stream, meta, err := f.service.DispatchStream(context.Background(), "primary", userMessages(), Options{})
		require.NoError(t, err)
		assert.Equal(t, "alpha", meta.Provider)

		var text string
		for chunk := range stream {
			if !chunk.Done {
				text += chunk.Text
			}
		}
		assert.Equal(t, "chunked", text)
	})

	t.Run("successful stream records usage from the final chunk", func(t *testing.T) {
		f := newFixture(t, fastConfig(),
			&fakeAdapter{name: "alpha", text: "chunked"},
			&fakeAdapter{name: "beta", text: "unused"})

		stream, meta, err := f.service.DispatchStream(context.Background(), "primary", userMessages(), Options{})
		require.NoError(t, err)

		for range stream {
		}

		require.Len(t, f.sink.records, 1)
		rec := f.sink.records[0]
		assert.Equal(t, meta.RequestID, rec.RequestID)
		assert.Equal(t, "primary", rec.Role)
		assert.Equal(t, "alpha", rec.Provider)
		assert.Equal(t, 15, rec.TotalTokens)
	})

	t.Run("advances when a candidate cannot stream", func(t *testing.T) {
		f := newFixture(t, fastConfig(),
			&fakeAdapter{name: "alpha", failures: []error{services.WrapNetwork("alpha", "down", nil)}},
			&fakeAdapter{name: "beta", text: "rescued"})

		stream, meta, err := f.service.DispatchStream(context.Background(), "primary", userMessages(), Options{})
		require.NoError(t, err)
		assert.Equal(t, "beta", meta.Provider)
		require.Len(t, meta.Attempts, 1)

		for range stream {
		}
	})
}
