package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"vodnotes/internal/models"
)

// ListEvents returns a job's audit trail in insertion order.
func (s *Store) ListEvents(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, type, from_status, to_status, message, meta, created_at
		FROM job_events WHERE job_id = $1 ORDER BY id LIMIT $2 OFFSET $3
	`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var from, to pgtype.Text
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &from, &to, &ev.Message, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.FromStatus = textPtr(from)
		ev.ToStatus = textPtr(to)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal event meta: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the size of a job's audit trail.
func (s *Store) CountEvents(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_events WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
