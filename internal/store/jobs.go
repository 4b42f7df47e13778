package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"vodnotes/internal/models"
	"vodnotes/internal/pipeline"
)

const jobColumns = `id, user_id, video_id, status, stage, progress, idempotency_key, params,
	error_code, error_message, error_trace, retry_count,
	requested_at, started_at, completed_at, last_heartbeat_at`

// CreateJob inserts a job row for (user, idempotency key), or returns the
// existing one. The unique constraint arbitrates concurrent duplicates; the
// loser of the race re-reads the winner's row. created reports whether this
// call inserted the row.
func (s *Store) CreateJob(ctx context.Context, userID, videoID uuid.UUID, idempotencyKey string, params map[string]any) (models.Job, bool, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New()
	now := time.Now().UTC()

	var inserted uuid.UUID
	err = s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, video_id, status, idempotency_key, params, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ON CONSTRAINT uq_jobs_user_idempotency_key DO NOTHING
		RETURNING id
	`, id, userID, videoID, models.StatusQueued, idempotencyKey, paramsJSON, now).Scan(&inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race or a prior request already admitted this work.
		existing, err := s.JobByIdempotencyKey(ctx, userID, idempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	job, err := s.GetJob(ctx, inserted)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// JobByIdempotencyKey fetches the job admitted for (user, key).
func (s *Store) JobByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key))
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetJobForUser fetches a job by id scoped to its owner.
func (s *Store) GetJobForUser(ctx context.Context, id, userID uuid.UUID) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID))
}

// ListJobsForUser returns the user's jobs newest-first.
func (s *Store) ListJobsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY requested_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsForUser returns the total number of jobs owned by the user.
func (s *Store) CountJobsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// StaleJobs returns non-terminal jobs whose heartbeat went quiet before
// cutoff, oldest first. Jobs that never started are excluded since they have
// no heartbeat to judge.
func (s *Store) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN ($1, $2)
		  AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < $3
		ORDER BY last_heartbeat_at LIMIT $4
	`, models.StatusCompleted, models.StatusFailed, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// WithJob claims the job row with SELECT ... FOR UPDATE for the duration of
// fn. The transaction commits when fn returns nil and rolls back otherwise,
// so a failed stage leaves no partial writes behind.
func (s *Store) WithJob(ctx context.Context, jobID uuid.UUID, fn func(tx pipeline.JobTx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx) // no-op after commit

	job, err := scanJob(pgTx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, ErrNotFound) {
		return pipeline.ErrJobNotFound
	}
	if err != nil {
		return err
	}

	jt := &jobTx{q: pgTx, job: job}
	if err := fn(jt); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordFailure persists error details on the job row, outside any claim.
func (s *Store) RecordFailure(ctx context.Context, jobID uuid.UUID, code, message, trace string, incrementRetry bool) error {
	inc := 0
	if incrementRetry {
		inc = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET error_code = $2, error_message = $3, error_trace = $4, retry_count = retry_count + $5
		WHERE id = $1
	`, jobID, code, message, trace, inc)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to the terminal failed status with a
// stage-qualified label. Already-terminal rows are left untouched.
func (s *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, stageLabel string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, stage = $3, completed_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $2)
	`, jobID, models.StatusFailed, stageLabel, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// AppendEvent appends one audit trail entry outside any claim transaction.
func (s *Store) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	return appendEvent(ctx, s.pool, ev)
}

func appendEvent(ctx context.Context, q querier, ev models.JobEvent) error {
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO job_events (job_id, type, from_status, to_status, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.JobID, ev.Type, ev.FromStatus, ev.ToStatus, ev.Message, metaJSON)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var paramsJSON []byte
	var code, message, trace pgtype.Text
	var started, completed, heartbeat pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.UserID, &job.VideoID, &job.Status, &job.Stage, &job.Progress,
		&job.IdempotencyKey, &paramsJSON,
		&code, &message, &trace, &job.RetryCount,
		&job.RequestedAt, &started, &completed, &heartbeat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	job.ErrorCode = textPtr(code)
	job.ErrorMessage = textPtr(message)
	job.ErrorTrace = textPtr(trace)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.LastHeartbeat = timePtr(heartbeat)
	return job, nil
}

// jobTx is the claimed job row. All methods run inside the claim transaction.
type jobTx struct {
	q   pgx.Tx
	job models.Job
}

func (t *jobTx) Job() *models.Job { return &t.job }

func (t *jobTx) Video(ctx context.Context) (models.Video, error) {
	return scanVideo(t.q.QueryRow(ctx, `
		SELECT id, source, source_video_id, canonical_url, fingerprint, title, channel_name, duration_seconds, created_at
		FROM videos WHERE id = $1
	`, t.job.VideoID))
}

func (t *jobTx) UpdateProgress(ctx context.Context, status, stage string, progress int) error {
	_, err := t.q.Exec(ctx, `
		UPDATE jobs SET status = $2, stage = $3, progress = $4 WHERE id = $1
	`, t.job.ID, status, stage, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (t *jobTx) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	ev.JobID = t.job.ID
	return appendEvent(ctx, t.q, ev)
}

func (t *jobTx) MarkStarted(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := t.q.Exec(ctx,
		`UPDATE jobs SET started_at = $2 WHERE id = $1 AND started_at IS NULL`, t.job.ID, now)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if t.job.StartedAt == nil {
		t.job.StartedAt = &now
	}
	return nil
}

func (t *jobTx) MarkCompleted(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := t.q.Exec(ctx,
		`UPDATE jobs SET completed_at = $2, error_code = NULL, error_message = NULL, error_trace = NULL WHERE id = $1`,
		t.job.ID, now)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	t.job.CompletedAt = &now
	return nil
}

func (t *jobTx) Heartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := t.q.Exec(ctx,
		`UPDATE jobs SET last_heartbeat_at = $2 WHERE id = $1`, t.job.ID, now)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	t.job.LastHeartbeat = &now
	return nil
}
