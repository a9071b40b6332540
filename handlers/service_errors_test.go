package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDispatchError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "configuration error",
			err:        services.NewDispatchError(services.ErrKindConfiguration, "unknown role", nil),
			wantStatus: http.StatusBadRequest,
			wantError:  "bad_request",
		},
		{
			name:       "auth error",
			err:        services.NewProviderError(services.ErrKindAuth, "openai", "key rejected", nil),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream_exhausted",
		},
		{
			name:       "rate limit",
			err:        services.NewProviderError(services.ErrKindRateLimit, "openai", "429", nil),
			wantStatus: http.StatusTooManyRequests,
			wantError:  "rate_limited",
		},
		{
			name:       "cancelled",
			err:        services.NewDispatchError(services.ErrKindCancelled, "caller went away", nil),
			wantStatus: statusClientClosedRequest,
			wantError:  "request_cancelled",
		},
		{
			name:       "no structured output",
			err:        services.NewDispatchError(services.ErrKindNoStructuredOutput, "no JSON", nil),
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "no_structured_output",
		},
		{
			name:       "schema validation",
			err:        services.NewDispatchError(services.ErrKindSchemaValidation, "missing title", nil),
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "schema_validation",
		},
		{
			name:       "exhausted",
			err:        services.NewDispatchError(services.ErrKindExhausted, "all candidates exhausted", nil),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream_exhausted",
		},
		{
			name:       "timeout",
			err:        services.NewProviderError(services.ErrKindTimeout, "openai", "deadline", nil),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream_exhausted",
		},
		{
			name:       "foreign error",
			err:        errors.New("unexpected"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDispatchError(w, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantError, resp.Error)
		})
	}
}
