package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vodnotes/internal/models"
)

// ErrJobNotFound is returned by Storage when the job row does not exist.
var ErrJobNotFound = errors.New("job not found")

// Storage is the durable job state the runner drives. *store.Store implements
// it; pipeline tests use an in-memory double.
type Storage interface {
	// WithJob claims the job row exclusively (SELECT ... FOR UPDATE) for the
	// duration of fn and commits on nil, rolls back on error. The claim is
	// released on every exit path.
	WithJob(ctx context.Context, jobID uuid.UUID, fn func(tx JobTx) error) error

	// RecordFailure persists error details on the job row outside any claim
	// transaction, optionally incrementing the retry counter.
	RecordFailure(ctx context.Context, jobID uuid.UUID, code, message, trace string, incrementRetry bool) error

	// MarkFailed transitions the job to the terminal failed status with a
	// stage-qualified label.
	MarkFailed(ctx context.Context, jobID uuid.UUID, stageLabel string) error

	// AppendEvent appends one audit trail entry.
	AppendEvent(ctx context.Context, ev models.JobEvent) error
}

// JobTx is the claimed job row plus its artifact tables, scoped to one stage
// invocation's transaction. All writes commit or roll back together.
type JobTx interface {
	// Job returns the claimed row. Progress updates mutate it in place so
	// later reads within the same claim observe the new values.
	Job() *models.Job
	Video(ctx context.Context) (models.Video, error)

	UpdateProgress(ctx context.Context, status, stage string, progress int) error
	AppendEvent(ctx context.Context, ev models.JobEvent) error
	MarkStarted(ctx context.Context) error
	MarkCompleted(ctx context.Context) error
	Heartbeat(ctx context.Context) error

	UpsertAudioArtifact(ctx context.Context, artifact models.AudioArtifact) error
	AudioArtifact(ctx context.Context) (models.AudioArtifact, bool, error)

	ReplaceTranscript(ctx context.Context, segments []models.TranscriptSegment, chunks []models.TranscriptChunk) error
	ListChunks(ctx context.Context) ([]models.TranscriptChunk, error)
	SetChunkEmbedding(ctx context.Context, chunkID int64, embedding []float32) error

	ReplaceMapSummaries(ctx context.Context, rows []models.MapSummary) error
	ListMapSummaries(ctx context.Context) ([]models.MapSummary, error)
	UpsertReduceSummary(ctx context.Context, summaryMD string) error
	ReduceSummary(ctx context.Context) (string, bool, error)

	ReplaceChapters(ctx context.Context, rows []models.Chapter) error
	ListChapters(ctx context.Context) ([]models.Chapter, error)
	ReplaceTakeaways(ctx context.Context, rows []models.Takeaway) error
	ListTakeaways(ctx context.Context) ([]models.Takeaway, error)
	ReplaceActionItems(ctx context.Context, rows []models.ActionItem) error
	ListActionItems(ctx context.Context) ([]models.ActionItem, error)

	UpsertFormattedResult(ctx context.Context, markdown string) error
	FormattedResult(ctx context.Context) (string, bool, error)
	UpsertFinalResult(ctx context.Context, payload models.FinalPayload) error
}

// Dispatcher schedules a stage invocation for delivery at runAt. The queue
// implements it; dispatch of stage N+1 happens only after stage N committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID, stage string, attempt int, runAt time.Time) error
}

// Downloader fetches the audio for a video URL. Re-invocation overwrites in
// place; implementations must fail hard when no output file is produced.
type Downloader interface {
	FetchAudio(ctx context.Context, videoURL string, jobID uuid.UUID) (models.AudioArtifact, error)
}

// Transcriber converts an audio artifact into ordered transcript segments.
type Transcriber interface {
	Transcribe(ctx context.Context, storageURI string) ([]models.TranscriptSegment, error)
}

// LLM is the text-generation capability consumed by the summarize stages.
type LLM interface {
	SummarizeChunk(ctx context.Context, chunkText string) (string, error)
	ReduceSummaries(ctx context.Context, mapSummariesMD string) (string, error)
	ExtractChapters(ctx context.Context, mapSummariesMD string) (string, error)
	ExtractTakeaways(ctx context.Context, summaryMD string) ([]string, error)
	ExtractActionItems(ctx context.Context, summaryMD string) ([]models.ActionItem, error)
}

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
