package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vodnotes/internal/idempotency"
	"vodnotes/internal/models"
	"vodnotes/internal/pipeline"
	"vodnotes/internal/source"
)

// Store is the slice of persistence admission needs.
type Store interface {
	ResolveVideo(ctx context.Context, v models.Video) (models.Video, error)
	CreateJob(ctx context.Context, userID, videoID uuid.UUID, idempotencyKey string, params map[string]any) (models.Job, bool, error)
	AppendEvent(ctx context.Context, ev models.JobEvent) error
}

// Admitter turns a raw video reference into at most one queued job per
// (user, video, params).
type Admitter struct {
	store      Store
	dispatcher pipeline.Dispatcher
}

func New(store Store, dispatcher pipeline.Dispatcher) *Admitter {
	return &Admitter{store: store, dispatcher: dispatcher}
}

// Admit resolves the canonical video, derives the idempotency key from the
// video fingerprint and normalized params, and creates the job if no
// equivalent one exists. created is false when an existing job was returned.
// Invalid references surface as source.ErrInvalidReference.
func (a *Admitter) Admit(ctx context.Context, userID uuid.UUID, rawURL string, params map[string]any) (models.Job, bool, error) {
	videoID, err := source.ExtractVideoID(rawURL)
	if err != nil {
		return models.Job{}, false, err
	}

	video, err := a.store.ResolveVideo(ctx, models.Video{
		Source:        models.SourceYouTube,
		SourceVideoID: videoID,
		CanonicalURL:  source.CanonicalURL(videoID),
		Fingerprint:   source.Fingerprint(videoID),
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("resolve video: %w", err)
	}

	key := idempotency.JobKey(video.Fingerprint, params)
	job, created, err := a.store.CreateJob(ctx, userID, video.ID, key, params)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		return job, false, nil
	}

	ev := models.JobEvent{
		JobID:   job.ID,
		Type:    models.EventInfo,
		Message: "job created",
		Meta:    map[string]any{"video_id": video.SourceVideoID},
	}
	if err := a.store.AppendEvent(ctx, ev); err != nil {
		return models.Job{}, false, fmt.Errorf("append admission event: %w", err)
	}
	if err := a.dispatcher.Dispatch(ctx, job.ID, pipeline.EntryStage, 0, time.Now()); err != nil {
		return models.Job{}, false, fmt.Errorf("dispatch entry stage: %w", err)
	}
	return job, true, nil
}
