package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"vodnotes/internal/models"
)

// ResolveVideo inserts the canonical video row for a fingerprint, or returns
// the existing one. Concurrent resolvers for the same fingerprint converge on
// a single row via the unique constraint.
func (s *Store) ResolveVideo(ctx context.Context, v models.Video) (models.Video, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, source, source_video_id, canonical_url, fingerprint, title, channel_name, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint) DO NOTHING
	`, v.ID, v.Source, v.SourceVideoID, v.CanonicalURL, v.Fingerprint, v.Title, v.ChannelName, v.DurationSeconds)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	// Re-read regardless of who won: the committed row is authoritative.
	return s.VideoByFingerprint(ctx, v.Fingerprint)
}

// VideoByFingerprint fetches the canonical video row for a fingerprint.
func (s *Store) VideoByFingerprint(ctx context.Context, fingerprint string) (models.Video, error) {
	return scanVideo(s.pool.QueryRow(ctx, `
		SELECT id, source, source_video_id, canonical_url, fingerprint, title, channel_name, duration_seconds, created_at
		FROM videos WHERE fingerprint = $1
	`, fingerprint))
}

// GetVideo fetches a video by id.
func (s *Store) GetVideo(ctx context.Context, id uuid.UUID) (models.Video, error) {
	return scanVideo(s.pool.QueryRow(ctx, `
		SELECT id, source, source_video_id, canonical_url, fingerprint, title, channel_name, duration_seconds, created_at
		FROM videos WHERE id = $1
	`, id))
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var title, channel pgtype.Text
	var duration pgtype.Int4
	if err := row.Scan(&v.ID, &v.Source, &v.SourceVideoID, &v.CanonicalURL, &v.Fingerprint, &title, &channel, &duration, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	v.Title = textPtr(title)
	v.ChannelName = textPtr(channel)
	if duration.Valid {
		d := int(duration.Int32)
		v.DurationSeconds = &d
	}
	return v, nil
}
