package progress

import (
	"context"

	"vodnotes/internal/models"
)

// Row is the claimed job row a stage reports progress against.
type Row interface {
	Job() *models.Job
	UpdateProgress(ctx context.Context, status, stage string, progress int) error
	AppendEvent(ctx context.Context, ev models.JobEvent) error
}

// Set updates status/stage/progress on the claimed row. Progress is clamped
// to [0,100]. When nothing changed the call is a pure no-op: no row write and
// no event, so redelivered stages do not amplify writes. A status-change
// event is recorded only when the status actually transitions; stage-label or
// progress-only changes are silent at the audit layer.
func Set(ctx context.Context, row Row, status, stage string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	job := row.Job()
	if job.Status == status && job.Stage == stage && job.Progress == pct {
		return nil
	}
	oldStatus := job.Status

	if err := row.UpdateProgress(ctx, status, stage, pct); err != nil {
		return err
	}
	job.Status = status
	job.Stage = stage
	job.Progress = pct

	if status == oldStatus {
		return nil
	}
	from, to := oldStatus, status
	return row.AppendEvent(ctx, models.JobEvent{
		JobID:      job.ID,
		Type:       models.EventStatusChange,
		FromStatus: &from,
		ToStatus:   &to,
		Message:    "status changed",
		Meta:       map[string]any{"stage": stage},
	})
}
