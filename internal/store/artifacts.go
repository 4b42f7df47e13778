package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"vodnotes/internal/models"
)

func (t *jobTx) UpsertAudioArtifact(ctx context.Context, artifact models.AudioArtifact) error {
	metaJSON, err := json.Marshal(artifact.Meta)
	if err != nil {
		return fmt.Errorf("marshal artifact meta: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO audio_artifacts (job_id, storage_uri, content_sha256, size_bytes, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET storage_uri = EXCLUDED.storage_uri,
		    content_sha256 = EXCLUDED.content_sha256,
		    size_bytes = EXCLUDED.size_bytes,
		    meta = EXCLUDED.meta,
		    updated_at = NOW()
	`, t.job.ID, artifact.StorageURI, artifact.ContentSHA256, artifact.SizeBytes, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert audio artifact: %w", err)
	}
	return nil
}

func (t *jobTx) AudioArtifact(ctx context.Context) (models.AudioArtifact, bool, error) {
	var a models.AudioArtifact
	var metaJSON []byte
	err := t.q.QueryRow(ctx, `
		SELECT job_id, storage_uri, content_sha256, size_bytes, meta
		FROM audio_artifacts WHERE job_id = $1
	`, t.job.ID).Scan(&a.JobID, &a.StorageURI, &a.ContentSHA256, &a.SizeBytes, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AudioArtifact{}, false, nil
	}
	if err != nil {
		return models.AudioArtifact{}, false, fmt.Errorf("query audio artifact: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Meta); err != nil {
			return models.AudioArtifact{}, false, fmt.Errorf("unmarshal artifact meta: %w", err)
		}
	}
	return a, true, nil
}

func (t *jobTx) ReplaceMapSummaries(ctx context.Context, rows []models.MapSummary) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM map_summaries WHERE job_id = $1`, t.job.ID); err != nil {
		return fmt.Errorf("delete map summaries: %w", err)
	}
	for _, row := range rows {
		_, err := t.q.Exec(ctx, `
			INSERT INTO map_summaries (job_id, idx, start_seconds, end_seconds, summary_md)
			VALUES ($1, $2, $3, $4, $5)
		`, t.job.ID, row.Idx, row.StartSeconds, row.EndSeconds, row.SummaryMD)
		if err != nil {
			return fmt.Errorf("insert map summary %d: %w", row.Idx, err)
		}
	}
	return nil
}

func (t *jobTx) ListMapSummaries(ctx context.Context) ([]models.MapSummary, error) {
	rows, err := t.q.Query(ctx, `
		SELECT job_id, idx, start_seconds, end_seconds, summary_md
		FROM map_summaries WHERE job_id = $1 ORDER BY idx
	`, t.job.ID)
	if err != nil {
		return nil, fmt.Errorf("list map summaries: %w", err)
	}
	defer rows.Close()

	var out []models.MapSummary
	for rows.Next() {
		var m models.MapSummary
		if err := rows.Scan(&m.JobID, &m.Idx, &m.StartSeconds, &m.EndSeconds, &m.SummaryMD); err != nil {
			return nil, fmt.Errorf("scan map summary: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *jobTx) UpsertReduceSummary(ctx context.Context, summaryMD string) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reduce_summaries (job_id, summary_md)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET summary_md = EXCLUDED.summary_md, updated_at = NOW()
	`, t.job.ID, summaryMD)
	if err != nil {
		return fmt.Errorf("upsert reduce summary: %w", err)
	}
	return nil
}

func (t *jobTx) ReduceSummary(ctx context.Context) (string, bool, error) {
	var md string
	err := t.q.QueryRow(ctx,
		`SELECT summary_md FROM reduce_summaries WHERE job_id = $1`, t.job.ID).Scan(&md)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query reduce summary: %w", err)
	}
	return md, true, nil
}

func (t *jobTx) ReplaceChapters(ctx context.Context, rows []models.Chapter) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM chapters WHERE job_id = $1`, t.job.ID); err != nil {
		return fmt.Errorf("delete chapters: %w", err)
	}
	for _, row := range rows {
		_, err := t.q.Exec(ctx, `
			INSERT INTO chapters (job_id, idx, start_seconds, end_seconds, title, bullets_md)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, t.job.ID, row.Idx, row.StartSeconds, row.EndSeconds, row.Title, row.BulletsMD)
		if err != nil {
			return fmt.Errorf("insert chapter %d: %w", row.Idx, err)
		}
	}
	return nil
}

func (t *jobTx) ListChapters(ctx context.Context) ([]models.Chapter, error) {
	return listChapters(ctx, t.q, t.job.ID)
}

func (t *jobTx) ReplaceTakeaways(ctx context.Context, rows []models.Takeaway) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM key_takeaways WHERE job_id = $1`, t.job.ID); err != nil {
		return fmt.Errorf("delete takeaways: %w", err)
	}
	for _, row := range rows {
		_, err := t.q.Exec(ctx, `
			INSERT INTO key_takeaways (job_id, idx, content) VALUES ($1, $2, $3)
		`, t.job.ID, row.Idx, row.Content)
		if err != nil {
			return fmt.Errorf("insert takeaway %d: %w", row.Idx, err)
		}
	}
	return nil
}

func (t *jobTx) ListTakeaways(ctx context.Context) ([]models.Takeaway, error) {
	return listTakeaways(ctx, t.q, t.job.ID)
}

func (t *jobTx) ReplaceActionItems(ctx context.Context, rows []models.ActionItem) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM action_items WHERE job_id = $1`, t.job.ID); err != nil {
		return fmt.Errorf("delete action items: %w", err)
	}
	for _, row := range rows {
		_, err := t.q.Exec(ctx, `
			INSERT INTO action_items (job_id, idx, content, owner, due_date, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, t.job.ID, row.Idx, row.Content, row.Owner, row.DueDate, row.Status)
		if err != nil {
			return fmt.Errorf("insert action item %d: %w", row.Idx, err)
		}
	}
	return nil
}

func (t *jobTx) ListActionItems(ctx context.Context) ([]models.ActionItem, error) {
	return listActionItems(ctx, t.q, t.job.ID)
}

func (t *jobTx) UpsertFormattedResult(ctx context.Context, markdown string) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO formatted_results (job_id, markdown)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET markdown = EXCLUDED.markdown, updated_at = NOW()
	`, t.job.ID, markdown)
	if err != nil {
		return fmt.Errorf("upsert formatted result: %w", err)
	}
	return nil
}

func (t *jobTx) FormattedResult(ctx context.Context) (string, bool, error) {
	var md string
	err := t.q.QueryRow(ctx,
		`SELECT markdown FROM formatted_results WHERE job_id = $1`, t.job.ID).Scan(&md)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query formatted result: %w", err)
	}
	return md, true, nil
}

func (t *jobTx) UpsertFinalResult(ctx context.Context, payload models.FinalPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal final payload: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO final_results (job_id, payload)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`, t.job.ID, payloadJSON)
	if err != nil {
		return fmt.Errorf("upsert final result: %w", err)
	}
	return nil
}

// FinalResultByJob fetches a job's immutable final document.
func (s *Store) FinalResultByJob(ctx context.Context, jobID uuid.UUID) (models.FinalResult, error) {
	var r models.FinalResult
	var payloadJSON []byte
	var created, updated time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, payload, created_at, updated_at FROM final_results WHERE job_id = $1
	`, jobID).Scan(&r.JobID, &payloadJSON, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FinalResult{}, ErrNotFound
	}
	if err != nil {
		return models.FinalResult{}, fmt.Errorf("query final result: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
		return models.FinalResult{}, fmt.Errorf("unmarshal final payload: %w", err)
	}
	r.CreatedAt = created
	r.UpdatedAt = updated
	return r, nil
}

// FormattedMarkdownByJob fetches the user-facing markdown note for export.
func (s *Store) FormattedMarkdownByJob(ctx context.Context, jobID uuid.UUID) (string, error) {
	var md string
	err := s.pool.QueryRow(ctx,
		`SELECT markdown FROM formatted_results WHERE job_id = $1`, jobID).Scan(&md)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query formatted result: %w", err)
	}
	return md, nil
}

// ListChaptersByJob exposes chapters outside a claim, for the results API.
func (s *Store) ListChaptersByJob(ctx context.Context, jobID uuid.UUID) ([]models.Chapter, error) {
	return listChapters(ctx, s.pool, jobID)
}

// ListTakeawaysByJob exposes takeaways outside a claim, for the results API.
func (s *Store) ListTakeawaysByJob(ctx context.Context, jobID uuid.UUID) ([]models.Takeaway, error) {
	return listTakeaways(ctx, s.pool, jobID)
}

// ListActionItemsByJob exposes action items outside a claim, for the results API.
func (s *Store) ListActionItemsByJob(ctx context.Context, jobID uuid.UUID) ([]models.ActionItem, error) {
	return listActionItems(ctx, s.pool, jobID)
}

func listChapters(ctx context.Context, q querier, jobID uuid.UUID) ([]models.Chapter, error) {
	rows, err := q.Query(ctx, `
		SELECT job_id, idx, start_seconds, end_seconds, title, bullets_md
		FROM chapters WHERE job_id = $1 ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var out []models.Chapter
	for rows.Next() {
		var c models.Chapter
		if err := rows.Scan(&c.JobID, &c.Idx, &c.StartSeconds, &c.EndSeconds, &c.Title, &c.BulletsMD); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func listTakeaways(ctx context.Context, q querier, jobID uuid.UUID) ([]models.Takeaway, error) {
	rows, err := q.Query(ctx, `
		SELECT job_id, idx, content FROM key_takeaways WHERE job_id = $1 ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list takeaways: %w", err)
	}
	defer rows.Close()

	var out []models.Takeaway
	for rows.Next() {
		var k models.Takeaway
		if err := rows.Scan(&k.JobID, &k.Idx, &k.Content); err != nil {
			return nil, fmt.Errorf("scan takeaway: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func listActionItems(ctx context.Context, q querier, jobID uuid.UUID) ([]models.ActionItem, error) {
	rows, err := q.Query(ctx, `
		SELECT job_id, idx, content, owner, due_date, status
		FROM action_items WHERE job_id = $1 ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list action items: %w", err)
	}
	defer rows.Close()

	var out []models.ActionItem
	for rows.Next() {
		var a models.ActionItem
		if err := rows.Scan(&a.JobID, &a.Idx, &a.Content, &a.Owner, &a.DueDate, &a.Status); err != nil {
			return nil, fmt.Errorf("scan action item: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
