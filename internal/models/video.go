package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceYouTube is the only supported video source.
const SourceYouTube = "youtube"

// Video is the canonical deduplicated record of one piece of source content.
// One row exists per fingerprint no matter how many jobs reference it.
type Video struct {
	ID              uuid.UUID `json:"id"`
	Source          string    `json:"source"`
	SourceVideoID   string    `json:"source_video_id"`
	CanonicalURL    string    `json:"canonical_url"`
	Fingerprint     string    `json:"fingerprint"`
	Title           *string   `json:"title,omitempty"`
	ChannelName     *string   `json:"channel_name,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
