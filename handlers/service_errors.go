package handlers

import (
	"errors"
	"net/http"

	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/utils"
)

// statusClientClosedRequest is nginx's non-standard code for a client that
// went away before the response was written.
const statusClientClosedRequest = 499

// WriteDispatchError maps a dispatch-layer error onto an HTTP response.
func WriteDispatchError(w http.ResponseWriter, err error) {
	var de *services.DispatchError
	if !errors.As(err, &de) {
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	switch de.Kind {
	case services.ErrKindConfiguration:
		_ = utils.WriteBadRequest(w, de.Message, de.Details)
	case services.ErrKindAuth:
		_ = utils.WriteBadGateway(w, de.Message, de.Details)
	case services.ErrKindRateLimit:
		_ = utils.WriteTooManyRequests(w, de.Message, de.Details)
	case services.ErrKindCancelled:
		_ = utils.WriteJSON(w, statusClientClosedRequest, utils.ErrorResponse{
			Error:   "request_cancelled",
			Message: de.Message,
		})
	case services.ErrKindNoStructuredOutput, services.ErrKindSchemaValidation:
		_ = utils.WriteJSON(w, http.StatusUnprocessableEntity, utils.ErrorResponse{
			Error:   string(de.Kind),
			Message: de.Message,
			Details: de.Details,
		})
	case services.ErrKindExhausted, services.ErrKindTimeout, services.ErrKindNetwork:
		_ = utils.WriteBadGateway(w, de.Message, de.Details)
	default:
		_ = utils.WriteInternalServerError(w, de.Message)
	}
}
