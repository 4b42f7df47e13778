package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"vodnotes/internal/models"
)

// EmbedVectorDim is the width of the transcript_chunks.embedding column.
// EMBED_DIM must match it; changing either requires a schema migration.
const EmbedVectorDim = 1536

func (t *jobTx) ReplaceTranscript(ctx context.Context, segments []models.TranscriptSegment, chunks []models.TranscriptChunk) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM transcript_segments WHERE job_id = $1`, t.job.ID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if _, err := t.q.Exec(ctx, `DELETE FROM transcript_chunks WHERE job_id = $1`, t.job.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	for _, seg := range segments {
		_, err := t.q.Exec(ctx, `
			INSERT INTO transcript_segments (job_id, idx, start_ms, end_ms, text)
			VALUES ($1, $2, $3, $4, $5)
		`, t.job.ID, seg.Idx, seg.StartMS, seg.EndMS, seg.Text)
		if err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Idx, err)
		}
	}
	for _, c := range chunks {
		_, err := t.q.Exec(ctx, `
			INSERT INTO transcript_chunks (job_id, idx, start_seconds, end_seconds, text)
			VALUES ($1, $2, $3, $4, $5)
		`, t.job.ID, c.Idx, c.StartSeconds, c.EndSeconds, c.Text)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Idx, err)
		}
	}
	return nil
}

func (t *jobTx) ListChunks(ctx context.Context) ([]models.TranscriptChunk, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, job_id, idx, start_seconds, end_seconds, text, embedding::text
		FROM transcript_chunks WHERE job_id = $1 ORDER BY idx
	`, t.job.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptChunk
	for rows.Next() {
		var c models.TranscriptChunk
		var emb pgtype.Text
		if err := rows.Scan(&c.ID, &c.JobID, &c.Idx, &c.StartSeconds, &c.EndSeconds, &c.Text, &emb); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if emb.Valid {
			vec, err := decodeVector(emb.String)
			if err != nil {
				return nil, fmt.Errorf("decode embedding for chunk %d: %w", c.Idx, err)
			}
			c.Embedding = vec
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *jobTx) SetChunkEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := t.q.Exec(ctx,
		`UPDATE transcript_chunks SET embedding = $2::vector WHERE id = $1`,
		chunkID, encodeVector(embedding))
	if err != nil {
		return fmt.Errorf("set chunk embedding: %w", err)
	}
	return nil
}

// ListSegments returns a page of a job's transcript in utterance order.
func (s *Store) ListSegments(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, idx, start_ms, end_ms, text
		FROM transcript_segments WHERE job_id = $1 ORDER BY idx LIMIT $2 OFFSET $3
	`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptSegment
	for rows.Next() {
		var seg models.TranscriptSegment
		if err := rows.Scan(&seg.JobID, &seg.Idx, &seg.StartMS, &seg.EndMS, &seg.Text); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// CountSegments returns a job's transcript length in segments.
func (s *Store) CountSegments(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transcript_segments WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// SearchTranscript finds segments whose text contains the query,
// case-insensitively, in utterance order.
func (s *Store) SearchTranscript(ctx context.Context, jobID uuid.UUID, query string, limit int) ([]models.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, idx, start_ms, end_ms, text
		FROM transcript_segments
		WHERE job_id = $1 AND text ILIKE '%' || $2 || '%'
		ORDER BY idx LIMIT $3
	`, jobID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search transcript: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptSegment
	for rows.Next() {
		var seg models.TranscriptSegment
		if err := rows.Scan(&seg.JobID, &seg.Idx, &seg.StartMS, &seg.EndMS, &seg.Text); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ScoredChunk is a retrieval hit with its cosine distance (lower is closer).
type ScoredChunk struct {
	models.TranscriptChunk
	Distance float64 `json:"distance"`
}

// NearestChunks returns the job's chunks closest to the query vector by
// cosine distance. Chunks without embeddings are excluded.
func (s *Store) NearestChunks(ctx context.Context, jobID uuid.UUID, query []float32, limit int) ([]ScoredChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, idx, start_seconds, end_seconds, text, embedding <=> $2::vector AS distance
		FROM transcript_chunks
		WHERE job_id = $1 AND embedding IS NOT NULL
		ORDER BY distance LIMIT $3
	`, jobID, encodeVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("nearest chunks: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var c ScoredChunk
		if err := rows.Scan(&c.ID, &c.JobID, &c.Idx, &c.StartSeconds, &c.EndSeconds, &c.Text, &c.Distance); err != nil {
			return nil, fmt.Errorf("scan scored chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeVector renders a pgvector literal like [0.1,0.2].
func encodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector element %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}
