package progress

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"vodnotes/internal/models"
)

type fakeRow struct {
	job    models.Job
	writes int
	events []models.JobEvent
}

func (f *fakeRow) Job() *models.Job { return &f.job }

func (f *fakeRow) UpdateProgress(_ context.Context, status, stage string, progress int) error {
	f.writes++
	return nil
}

func (f *fakeRow) AppendEvent(_ context.Context, ev models.JobEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func TestSetTransitionsAndLogs(t *testing.T) {
	row := &fakeRow{job: models.Job{ID: uuid.New(), Status: models.StatusQueued}}

	if err := Set(context.Background(), row, models.StatusDownloading, "download_audio", 10); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if row.writes != 1 {
		t.Fatalf("writes = %d, want 1", row.writes)
	}
	if len(row.events) != 1 || row.events[0].Type != models.EventStatusChange {
		t.Fatalf("expected one status_change event, got %+v", row.events)
	}
	if *row.events[0].FromStatus != models.StatusQueued || *row.events[0].ToStatus != models.StatusDownloading {
		t.Fatalf("wrong transition recorded: %+v", row.events[0])
	}
	if row.job.Status != models.StatusDownloading || row.job.Progress != 10 {
		t.Fatalf("cached job not updated: %+v", row.job)
	}
}

func TestSetNoopWhenUnchanged(t *testing.T) {
	row := &fakeRow{job: models.Job{Status: models.StatusSummarizing, Stage: "summarize_map", Progress: 75}}

	if err := Set(context.Background(), row, models.StatusSummarizing, "summarize_map", 75); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if row.writes != 0 || len(row.events) != 0 {
		t.Fatalf("expected pure no-op, got writes=%d events=%d", row.writes, len(row.events))
	}
}

func TestSetStageOnlyChangeIsSilent(t *testing.T) {
	row := &fakeRow{job: models.Job{Status: models.StatusSummarizing, Stage: "summarize_map", Progress: 75}}

	if err := Set(context.Background(), row, models.StatusSummarizing, "summarize_reduce", 75); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if row.writes != 1 {
		t.Fatalf("stage change must write, got %d writes", row.writes)
	}
	if len(row.events) != 0 {
		t.Fatalf("stage-only change must not emit events, got %+v", row.events)
	}
}

func TestSetClampsProgress(t *testing.T) {
	row := &fakeRow{job: models.Job{Status: models.StatusQueued}}
	if err := Set(context.Background(), row, models.StatusDownloading, "download_audio", 140); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if row.job.Progress != 100 {
		t.Fatalf("progress = %d, want clamp to 100", row.job.Progress)
	}
}
