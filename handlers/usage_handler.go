package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/outfold/dispatch/models"
	"github.com/outfold/dispatch/repositories"
	"github.com/outfold/dispatch/utils"
	"go.uber.org/zap"
)

const defaultUsageWindowHours = 24

// UsageHandler exposes aggregated usage totals from the telemetry store.
type UsageHandler struct {
	store  repositories.UsageRepository
	logger *zap.Logger
}

// NewUsageHandler creates a new UsageHandler. A nil store means no telemetry
// database is configured; the endpoint then reports not found.
func NewUsageHandler(store repositories.UsageRepository, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		store:  store,
		logger: logger,
	}
}

// UsageResponse is the wire shape of GET /api/v1/usage
type UsageResponse struct {
	Since string                        `json:"since"`
	Roles map[string]models.UsageTotals `json:"roles"`
}

// HandleUsageTotals handles GET /api/v1/usage. The window defaults to the
// last 24 hours and is adjustable via ?hours=N.
func (h *UsageHandler) HandleUsageTotals(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		_ = utils.WriteNotFound(w, "Usage store not configured")
		return
	}

	hours := defaultUsageWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			_ = utils.WriteBadRequest(w, "hours must be a positive integer", nil)
			return
		}
		hours = parsed
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()
	totals, err := h.store.TotalsByRole(r.Context(), since)
	if err != nil {
		h.logger.Error("failed to query usage totals", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	_ = utils.WriteOK(w, UsageResponse{
		Since: since.Format(time.RFC3339),
		Roles: totals,
	})
}
