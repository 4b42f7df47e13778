package models

import (
	"time"

	"github.com/google/uuid"
)

// AudioArtifact records the downloaded audio file for a job, with provenance.
// At most one per job; re-download overwrites in place.
type AudioArtifact struct {
	JobID         uuid.UUID         `json:"job_id"`
	StorageURI    string            `json:"storage_uri"`
	ContentSHA256 string            `json:"content_sha256"`
	SizeBytes     int64             `json:"size_bytes"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// TranscriptSegment is one ordered utterance from the transcription engine.
type TranscriptSegment struct {
	JobID   uuid.UUID `json:"job_id"`
	Idx     int       `json:"idx"`
	StartMS int       `json:"start_ms"`
	EndMS   int       `json:"end_ms"`
	Text    string    `json:"text"`
}

// TranscriptChunk packs consecutive segments into an LLM-sized window.
// Embedding is nil until the embed stage has run for the chunk.
type TranscriptChunk struct {
	ID           int64     `json:"id"`
	JobID        uuid.UUID `json:"job_id"`
	Idx          int       `json:"idx"`
	StartSeconds float64   `json:"start_seconds"`
	EndSeconds   float64   `json:"end_seconds"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"-"`
}

// MapSummary is the per-chunk markdown summary from the map step.
type MapSummary struct {
	JobID        uuid.UUID `json:"job_id"`
	Idx          int       `json:"idx"`
	StartSeconds float64   `json:"start_seconds"`
	EndSeconds   float64   `json:"end_seconds"`
	SummaryMD    string    `json:"summary_md"`
}

// ReduceSummary is the single combined markdown summary. One per job.
type ReduceSummary struct {
	JobID     uuid.UUID `json:"job_id"`
	SummaryMD string    `json:"summary_md"`
}

// Chapter is one extracted chapter with a time range and bullet notes.
type Chapter struct {
	JobID        uuid.UUID `json:"job_id"`
	Idx          int       `json:"idx"`
	StartSeconds float64   `json:"start_seconds"`
	EndSeconds   float64   `json:"end_seconds"`
	Title        string    `json:"title"`
	BulletsMD    string    `json:"bullets_md"`
}

// Takeaway is one key takeaway line.
type Takeaway struct {
	JobID   uuid.UUID `json:"job_id"`
	Idx     int       `json:"idx"`
	Content string    `json:"content"`
}

// ActionItem is one extracted action item; owner and due date are optional.
type ActionItem struct {
	JobID   uuid.UUID `json:"job_id"`
	Idx     int       `json:"idx"`
	Content string    `json:"content"`
	Owner   *string   `json:"owner,omitempty"`
	DueDate *string   `json:"due_date,omitempty"`
	Status  string    `json:"status"`
}

// FormattedResult is the user-facing markdown note. One per job.
type FormattedResult struct {
	JobID    uuid.UUID `json:"job_id"`
	Markdown string    `json:"markdown"`
}

// FinalPayload is the immutable superset document assembled by finalize.
type FinalPayload struct {
	JobID             string       `json:"job_id"`
	ReduceSummaryMD   string       `json:"reduce_summary_md"`
	FormattedMarkdown string       `json:"formatted_markdown"`
	Chapters          []Chapter    `json:"chapters"`
	KeyTakeaways      []Takeaway   `json:"key_takeaways"`
	ActionItems       []ActionItem `json:"action_items"`
}

// FinalResult wraps the payload with persistence timestamps. Zero or one per job.
type FinalResult struct {
	JobID     uuid.UUID    `json:"job_id"`
	Payload   FinalPayload `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
