package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/outfold/dispatch/models"
)

// UsageRepository is the PostgreSQL implementation of
// repositories.UsageRepository.
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository creates a usage repository over an open connection.
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Connect opens and pings a PostgreSQL connection for the telemetry store.
func Connect(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping telemetry database: %w", err)
	}
	return db, nil
}

// InsertUsageRecord stores one usage record
func (r *UsageRepository) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, request_id, role, provider, model,
			input_tokens, output_tokens, total_tokens, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.RequestID, rec.Role, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.LatencyMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// TotalsByRole aggregates token totals per role since the given time
func (r *UsageRepository) TotalsByRole(ctx context.Context, since time.Time) (map[string]models.UsageTotals, error) {
	query := `
		SELECT role,
			COUNT(*) AS requests,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY role`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]models.UsageTotals)
	for rows.Next() {
		var role string
		var t models.UsageTotals
		if err := rows.Scan(&role, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage totals: %w", err)
		}
		totals[role] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage totals: %w", err)
	}
	return totals, nil
}
