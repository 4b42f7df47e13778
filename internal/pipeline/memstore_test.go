package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vodnotes/internal/models"
)

// memState is one job's rows. memStore copies it per claim so a failed stage
// rolls back like a real transaction.
type memState struct {
	job       models.Job
	video     models.Video
	events    []models.JobEvent
	audio     *models.AudioArtifact
	segments  []models.TranscriptSegment
	chunks    []models.TranscriptChunk
	summaries []models.MapSummary
	reduce    *string
	chapters  []models.Chapter
	takeaways []models.Takeaway
	actions   []models.ActionItem
	formatted *string
	final     *models.FinalPayload
	chunkSeq  int64
}

func (s *memState) clone() *memState {
	c := *s
	c.events = append([]models.JobEvent(nil), s.events...)
	c.segments = append([]models.TranscriptSegment(nil), s.segments...)
	c.chunks = append([]models.TranscriptChunk(nil), s.chunks...)
	c.summaries = append([]models.MapSummary(nil), s.summaries...)
	c.chapters = append([]models.Chapter(nil), s.chapters...)
	c.takeaways = append([]models.Takeaway(nil), s.takeaways...)
	c.actions = append([]models.ActionItem(nil), s.actions...)
	if s.audio != nil {
		a := *s.audio
		c.audio = &a
	}
	if s.reduce != nil {
		r := *s.reduce
		c.reduce = &r
	}
	if s.formatted != nil {
		f := *s.formatted
		c.formatted = &f
	}
	if s.final != nil {
		p := *s.final
		c.final = &p
	}
	return &c
}

type memStore struct {
	states map[uuid.UUID]*memState
}

func newMemStore() *memStore {
	return &memStore{states: map[uuid.UUID]*memState{}}
}

func (m *memStore) addJob(video models.Video) *memState {
	job := models.Job{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		VideoID:     video.ID,
		Status:      models.StatusQueued,
		RequestedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	st := &memState{job: job, video: video}
	m.states[job.ID] = st
	return st
}

func (m *memStore) WithJob(_ context.Context, jobID uuid.UUID, fn func(tx JobTx) error) error {
	st, ok := m.states[jobID]
	if !ok {
		return ErrJobNotFound
	}
	work := st.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	// Commit in place so callers holding the state pointer observe it.
	*st = *work
	return nil
}

func (m *memStore) RecordFailure(_ context.Context, jobID uuid.UUID, code, message, trace string, incrementRetry bool) error {
	st, ok := m.states[jobID]
	if !ok {
		return ErrJobNotFound
	}
	st.job.ErrorCode = &code
	st.job.ErrorMessage = &message
	st.job.ErrorTrace = &trace
	if incrementRetry {
		st.job.RetryCount++
	}
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, jobID uuid.UUID, stageLabel string) error {
	st, ok := m.states[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if models.TerminalStatus(st.job.Status) {
		return nil
	}
	st.job.Status = models.StatusFailed
	st.job.Stage = stageLabel
	now := time.Now().UTC()
	st.job.CompletedAt = &now
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, ev models.JobEvent) error {
	st, ok := m.states[ev.JobID]
	if !ok {
		return ErrJobNotFound
	}
	ev.CreatedAt = time.Now().UTC()
	st.events = append(st.events, ev)
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) Job() *models.Job { return &t.state.job }

func (t *memTx) Video(context.Context) (models.Video, error) { return t.state.video, nil }

func (t *memTx) UpdateProgress(_ context.Context, status, stage string, progress int) error {
	t.state.job.Status = status
	t.state.job.Stage = stage
	t.state.job.Progress = progress
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, ev models.JobEvent) error {
	ev.JobID = t.state.job.ID
	ev.CreatedAt = time.Now().UTC()
	t.state.events = append(t.state.events, ev)
	return nil
}

func (t *memTx) MarkStarted(context.Context) error {
	if t.state.job.StartedAt == nil {
		now := time.Now().UTC()
		t.state.job.StartedAt = &now
	}
	return nil
}

func (t *memTx) MarkCompleted(context.Context) error {
	now := time.Now().UTC()
	t.state.job.CompletedAt = &now
	t.state.job.ErrorCode = nil
	t.state.job.ErrorMessage = nil
	t.state.job.ErrorTrace = nil
	return nil
}

func (t *memTx) Heartbeat(context.Context) error {
	now := time.Now().UTC()
	t.state.job.LastHeartbeat = &now
	return nil
}

func (t *memTx) UpsertAudioArtifact(_ context.Context, artifact models.AudioArtifact) error {
	artifact.JobID = t.state.job.ID
	t.state.audio = &artifact
	return nil
}

func (t *memTx) AudioArtifact(context.Context) (models.AudioArtifact, bool, error) {
	if t.state.audio == nil {
		return models.AudioArtifact{}, false, nil
	}
	return *t.state.audio, true, nil
}

func (t *memTx) ReplaceTranscript(_ context.Context, segments []models.TranscriptSegment, chunks []models.TranscriptChunk) error {
	t.state.segments = append([]models.TranscriptSegment(nil), segments...)
	t.state.chunks = nil
	for _, c := range chunks {
		t.state.chunkSeq++
		c.ID = t.state.chunkSeq
		c.Embedding = nil
		t.state.chunks = append(t.state.chunks, c)
	}
	return nil
}

func (t *memTx) ListChunks(context.Context) ([]models.TranscriptChunk, error) {
	return append([]models.TranscriptChunk(nil), t.state.chunks...), nil
}

func (t *memTx) SetChunkEmbedding(_ context.Context, chunkID int64, embedding []float32) error {
	for i := range t.state.chunks {
		if t.state.chunks[i].ID == chunkID {
			t.state.chunks[i].Embedding = append([]float32(nil), embedding...)
			return nil
		}
	}
	return fmt.Errorf("chunk %d not found", chunkID)
}

func (t *memTx) ReplaceMapSummaries(_ context.Context, rows []models.MapSummary) error {
	t.state.summaries = append([]models.MapSummary(nil), rows...)
	return nil
}

func (t *memTx) ListMapSummaries(context.Context) ([]models.MapSummary, error) {
	return append([]models.MapSummary(nil), t.state.summaries...), nil
}

func (t *memTx) UpsertReduceSummary(_ context.Context, summaryMD string) error {
	t.state.reduce = &summaryMD
	return nil
}

func (t *memTx) ReduceSummary(context.Context) (string, bool, error) {
	if t.state.reduce == nil {
		return "", false, nil
	}
	return *t.state.reduce, true, nil
}

func (t *memTx) ReplaceChapters(_ context.Context, rows []models.Chapter) error {
	t.state.chapters = append([]models.Chapter(nil), rows...)
	return nil
}

func (t *memTx) ListChapters(context.Context) ([]models.Chapter, error) {
	return append([]models.Chapter(nil), t.state.chapters...), nil
}

func (t *memTx) ReplaceTakeaways(_ context.Context, rows []models.Takeaway) error {
	t.state.takeaways = append([]models.Takeaway(nil), rows...)
	return nil
}

func (t *memTx) ListTakeaways(context.Context) ([]models.Takeaway, error) {
	return append([]models.Takeaway(nil), t.state.takeaways...), nil
}

func (t *memTx) ReplaceActionItems(_ context.Context, rows []models.ActionItem) error {
	t.state.actions = append([]models.ActionItem(nil), rows...)
	return nil
}

func (t *memTx) ListActionItems(context.Context) ([]models.ActionItem, error) {
	return append([]models.ActionItem(nil), t.state.actions...), nil
}

func (t *memTx) UpsertFormattedResult(_ context.Context, markdown string) error {
	t.state.formatted = &markdown
	return nil
}

func (t *memTx) FormattedResult(context.Context) (string, bool, error) {
	if t.state.formatted == nil {
		return "", false, nil
	}
	return *t.state.formatted, true, nil
}

func (t *memTx) UpsertFinalResult(_ context.Context, payload models.FinalPayload) error {
	t.state.final = &payload
	return nil
}
