package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopAdapter struct{ name string }

func (a *nopAdapter) Name() string                         { return a.name }
func (a *nopAdapter) Capabilities() providers.Capabilities { return providers.Capabilities{} }
func (a *nopAdapter) GenerateText(context.Context, *providers.GenerateRequest) (*providers.GenerateResult, error) {
	return &providers.GenerateResult{}, nil
}
func (a *nopAdapter) GenerateObject(context.Context, *providers.GenerateRequest) (*providers.GenerateResult, error) {
	return &providers.GenerateResult{}, nil
}
func (a *nopAdapter) StreamText(context.Context, *providers.GenerateRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk)
	close(ch)
	return ch, nil
}

func TestHandleListRoles(t *testing.T) {
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(providers.Descriptor{
		Name:         "openai",
		Capabilities: providers.Capabilities{NativeStructuredOutput: true},
	}, func(providers.Config) (providers.Adapter, error) { return &nopAdapter{name: "openai"}, nil }, providers.Config{}))
	require.NoError(t, registry.Register(providers.Descriptor{
		Name: "anthropic",
	}, func(providers.Config) (providers.Adapter, error) { return &nopAdapter{name: "anthropic"}, nil }, providers.Config{}))

	table := map[string]roles.Config{
		"primary":  {Role: "primary", Provider: "openai", Model: "gpt-4o", Fallback: "fallback"},
		"fallback": {Role: "fallback", Provider: "anthropic", Model: "claude-haiku"},
	}
	resolver, err := roles.NewResolver(table, registry)
	require.NoError(t, err)

	handler := NewRolesHandler(resolver, registry, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	w := httptest.NewRecorder()
	handler.HandleListRoles(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp RolesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Roles, 2)

	// Sorted by name: fallback, primary.
	assert.Equal(t, "fallback", resp.Roles[0].Role)
	assert.Equal(t, []string{"fallback"}, resp.Roles[0].Chain)
	assert.False(t, resp.Roles[0].Structured)

	assert.Equal(t, "primary", resp.Roles[1].Role)
	assert.Equal(t, []string{"primary", "fallback"}, resp.Roles[1].Chain)
	assert.True(t, resp.Roles[1].Structured)
}
