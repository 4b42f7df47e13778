package models

import (
	"time"

	"github.com/google/uuid"
)

// Job event types. Events are append-only; rows are never updated or deleted.
const (
	EventStatusChange = "status_change"
	EventRetry        = "retry"
	EventError        = "error"
	EventInfo         = "info"
)

// JobEvent is one audit trail entry for a job.
type JobEvent struct {
	ID         int64          `json:"id"`
	JobID      uuid.UUID      `json:"job_id"`
	Type       string         `json:"type"`
	FromStatus *string        `json:"from_status,omitempty"`
	ToStatus   *string        `json:"to_status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
