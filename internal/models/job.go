package models

import (
	"time"

	"github.com/google/uuid"
)

// Job lifecycle states persisted in Postgres. Queued is initial;
// Completed and Failed are terminal.
const (
	StatusQueued       = "queued"
	StatusDownloading  = "downloading"
	StatusTranscribing = "transcribing"
	StatusSummarizing  = "summarizing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// TerminalStatus reports whether no further transitions may leave the status.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is one user-initiated processing run over a video.
type Job struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	VideoID        uuid.UUID      `json:"video_id"`
	Status         string         `json:"status"`
	Stage          string         `json:"stage,omitempty"`
	Progress       int            `json:"progress"`
	IdempotencyKey string         `json:"idempotency_key"`
	Params         map[string]any `json:"params,omitempty"`
	ErrorCode      *string        `json:"error_code,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	ErrorTrace     *string        `json:"-"`
	RetryCount     int            `json:"retry_count"`
	RequestedAt    time.Time      `json:"requested_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat_at,omitempty"`
}
