package repositories

import (
	"context"
	"time"

	"github.com/outfold/dispatch/models"
)

// UsageRepository persists and queries dispatch usage records.
type UsageRepository interface {
	// InsertUsageRecord stores one usage record
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error

	// TotalsByRole aggregates token totals per role since the given time
	TotalsByRole(ctx context.Context, since time.Time) (map[string]models.UsageTotals, error)
}
