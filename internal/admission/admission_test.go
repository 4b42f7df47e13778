package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"vodnotes/internal/models"
	"vodnotes/internal/source"
)

type fakeStore struct {
	videos  map[string]models.Video
	jobs    map[string]models.Job
	events  []models.JobEvent
	creates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{videos: map[string]models.Video{}, jobs: map[string]models.Job{}}
}

func (s *fakeStore) ResolveVideo(_ context.Context, v models.Video) (models.Video, error) {
	if existing, ok := s.videos[v.Fingerprint]; ok {
		return existing, nil
	}
	v.ID = uuid.New()
	s.videos[v.Fingerprint] = v
	return v, nil
}

func (s *fakeStore) CreateJob(_ context.Context, userID, videoID uuid.UUID, key string, params map[string]any) (models.Job, bool, error) {
	mapKey := userID.String() + "/" + key
	if existing, ok := s.jobs[mapKey]; ok {
		return existing, false, nil
	}
	s.creates++
	job := models.Job{
		ID:             uuid.New(),
		UserID:         userID,
		VideoID:        videoID,
		Status:         models.StatusQueued,
		IdempotencyKey: key,
		Params:         params,
		RequestedAt:    time.Now().UTC(),
	}
	s.jobs[mapKey] = job
	return job, true, nil
}

func (s *fakeStore) AppendEvent(_ context.Context, ev models.JobEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type fakeDispatcher struct {
	dispatched []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobID uuid.UUID, stage string, attempt int, runAt time.Time) error {
	d.dispatched = append(d.dispatched, stage)
	return nil
}

func TestAdmitCreatesAndDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	disp := &fakeDispatcher{}
	adm := New(store, disp)
	userID := uuid.New()

	job, created, err := adm.Admit(ctx, userID, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if job.Status != models.StatusQueued {
		t.Fatalf("status = %q", job.Status)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "download_audio" {
		t.Fatalf("dispatched = %v", disp.dispatched)
	}
	if len(store.events) != 1 || store.events[0].Type != models.EventInfo {
		t.Fatalf("events = %+v", store.events)
	}

	// Same user, equivalent URL form and params: the existing job comes back
	// with no new dispatch or event.
	again, created, err := adm.Admit(ctx, userID, "https://youtu.be/dQw4w9WgXcQ", map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if created {
		t.Fatalf("expected created=false for duplicate")
	}
	if again.ID != job.ID {
		t.Fatalf("duplicate returned a different job: %s vs %s", again.ID, job.ID)
	}
	if store.creates != 1 || len(disp.dispatched) != 1 || len(store.events) != 1 {
		t.Fatalf("duplicate caused side effects: creates=%d dispatches=%d events=%d",
			store.creates, len(disp.dispatched), len(store.events))
	}
}

func TestAdmitDistinguishesParamsAndUsers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	adm := New(store, &fakeDispatcher{})
	userID := uuid.New()
	url := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

	first, _, err := adm.Admit(ctx, userID, url, map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	other, created, err := adm.Admit(ctx, userID, url, map[string]any{"lang": "de"})
	if err != nil || !created {
		t.Fatalf("different params must create a new job: created=%v err=%v", created, err)
	}
	if other.ID == first.ID {
		t.Fatalf("param change reused job %s", first.ID)
	}

	otherUser, created, err := adm.Admit(ctx, uuid.New(), url, map[string]any{"lang": "en"})
	if err != nil || !created {
		t.Fatalf("different user must create a new job: created=%v err=%v", created, err)
	}
	if otherUser.ID == first.ID {
		t.Fatalf("user change reused job %s", first.ID)
	}

	// One canonical video row regardless of job count.
	if len(store.videos) != 1 {
		t.Fatalf("videos = %d, want 1", len(store.videos))
	}
}

func TestAdmitRejectsInvalidReference(t *testing.T) {
	adm := New(newFakeStore(), &fakeDispatcher{})
	_, _, err := adm.Admit(context.Background(), uuid.New(), "https://example.com/watch?v=abc123xyz", nil)
	if !errors.Is(err, source.ErrInvalidReference) {
		t.Fatalf("err = %v, want ErrInvalidReference", err)
	}
}
