package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is the normalized telemetry record emitted once per
// successful dispatch.
type UsageRecord struct {
	ID           uuid.UUID `json:"id"`
	RequestID    uuid.UUID `json:"request_id"`
	Role         string    `json:"role"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	LatencyMs    int       `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageTotals is a per-role aggregate over stored usage records.
type UsageTotals struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewUsageRecord creates a usage record with a fresh ID and timestamp.
func NewUsageRecord(requestID uuid.UUID, role, provider, model string) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		Role:      role,
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
}
