package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"vodnotes/internal/chunk"
	"vodnotes/internal/models"
	"vodnotes/internal/notes"
	"vodnotes/internal/progress"
	"vodnotes/internal/retry"
)

// Outcome classifies what a stage invocation did, for worker metrics.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSkipped
	OutcomeRetryScheduled
	OutcomeFailed
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetryScheduled:
		return "retry_scheduled"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotFound:
		return "not_found"
	}
	return "unknown"
}

// Runner executes pipeline stages against the claimed job row. One Runner is
// shared across worker goroutines; all fields are read-only after New.
type Runner struct {
	store      Storage
	dispatcher Dispatcher

	downloader  Downloader
	transcriber Transcriber
	llm         LLM
	embedder    Embedder

	policy        retry.Policy
	embedEnabled  bool
	chunkMaxChars int
}

type RunnerOptions struct {
	Policy        retry.Policy
	EmbedEnabled  bool
	ChunkMaxChars int
}

func NewRunner(store Storage, dispatcher Dispatcher, dl Downloader, tr Transcriber, llm LLM, emb Embedder, opts RunnerOptions) *Runner {
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.ChunkMaxChars <= 0 {
		opts.ChunkMaxChars = chunk.DefaultMaxChars
	}
	return &Runner{
		store:         store,
		dispatcher:    dispatcher,
		downloader:    dl,
		transcriber:   tr,
		llm:           llm,
		embedder:      emb,
		policy:        opts.Policy,
		embedEnabled:  opts.EmbedEnabled,
		chunkMaxChars: opts.ChunkMaxChars,
	}
}

// Run executes one stage invocation. The job row is claimed for the whole
// stage body; all stage writes commit atomically with the progress update.
// Successor dispatch happens only after the claim has committed.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID, stage string, attempt int) (Outcome, error) {
	def, ok := stageByName[stage]
	if !ok {
		return OutcomeFailed, fmt.Errorf("unknown stage %q", stage)
	}

	skipped := false
	var observedStatus string
	err := r.store.WithJob(ctx, jobID, func(tx JobTx) error {
		job := tx.Job()
		if job.Status != def.expect {
			// The row has moved on (completed, failed, or a duplicate
			// delivery raced ahead). Commit with zero writes.
			skipped = true
			observedStatus = job.Status
			return nil
		}
		if job.StartedAt == nil {
			if err := tx.MarkStarted(ctx); err != nil {
				return err
			}
		}
		if err := tx.Heartbeat(ctx); err != nil {
			return err
		}
		if err := progress.Set(ctx, tx, def.status, def.name, def.progress); err != nil {
			return err
		}
		return def.run(r, ctx, tx)
	})

	if errors.Is(err, ErrJobNotFound) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return r.handleFailure(ctx, jobID, def, attempt, err)
	}
	if skipped {
		// A redelivered task whose job sits exactly at this stage's success
		// status means the stage committed but the successor dispatch was
		// lost. Re-dispatch it; duplicate successors are absorbed by this
		// same guard.
		if observedStatus == def.status && !models.TerminalStatus(observedStatus) {
			if next := r.nextStage(stage); next != "" {
				if err := r.dispatcher.Dispatch(ctx, jobID, next, 0, time.Now()); err != nil {
					return OutcomeSkipped, fmt.Errorf("redispatch %s after %s: %w", next, stage, err)
				}
				log.Printf("stage %s for job %s already committed, redispatched successor %s", stage, jobID, next)
			}
			return OutcomeSkipped, nil
		}
		log.Printf("stage %s skipped for job %s: predecessor status mismatch", stage, jobID)
		return OutcomeSkipped, nil
	}

	if next := r.nextStage(stage); next != "" {
		if err := r.dispatcher.Dispatch(ctx, jobID, next, 0, time.Now()); err != nil {
			// The stage committed. Returning the error leaves the delivery
			// unacked, so the lease expires and the redelivered task finds
			// the advanced status and re-dispatches the successor.
			return OutcomeCompleted, fmt.Errorf("dispatch %s after %s: %w", next, stage, err)
		}
	}
	return OutcomeCompleted, nil
}

// handleFailure records the error and either schedules a retry or marks the
// job failed. Runs outside the claim transaction so error bookkeeping survives
// the rolled-back stage.
func (r *Runner) handleFailure(ctx context.Context, jobID uuid.UUID, def *stageDef, attempt int, stageErr error) (Outcome, error) {
	retryable := retry.Classify(stageErr) == retry.Retryable
	bound := r.policy.AttemptBound(stageErr)
	willRetry := retryable && attempt+1 < bound

	code := "terminal_external"
	if retry.IsPrecondition(stageErr) {
		code = "precondition_missing"
	} else if retryable {
		code = "transient_external"
	}

	trace := fmt.Sprintf("stage=%s attempt=%d: %v", def.name, attempt, stageErr)
	if err := r.store.RecordFailure(ctx, jobID, code, stageErr.Error(), trace, willRetry); err != nil {
		return OutcomeFailed, fmt.Errorf("record failure for %s: %w", jobID, err)
	}

	if willRetry {
		delay := r.policy.Backoff(attempt)
		ev := models.JobEvent{
			JobID:   jobID,
			Type:    models.EventRetry,
			Message: fmt.Sprintf("stage %s attempt %d failed, retrying in %s", def.name, attempt+1, delay.Round(time.Second)),
			Meta: map[string]any{
				"stage":    def.name,
				"attempt":  attempt + 1,
				"code":     code,
				"delay_ms": delay.Milliseconds(),
			},
		}
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			return OutcomeFailed, fmt.Errorf("append retry event: %w", err)
		}
		if err := r.dispatcher.Dispatch(ctx, jobID, def.name, attempt+1, time.Now().Add(delay)); err != nil {
			return OutcomeFailed, fmt.Errorf("dispatch retry for %s: %w", jobID, err)
		}
		log.Printf("job %s stage %s attempt %d failed (%s), retry in %s: %v", jobID, def.name, attempt, code, delay, stageErr)
		return OutcomeRetryScheduled, nil
	}

	if err := r.store.MarkFailed(ctx, jobID, def.failLabel); err != nil {
		return OutcomeFailed, fmt.Errorf("mark failed for %s: %w", jobID, err)
	}
	ev := models.JobEvent{
		JobID:   jobID,
		Type:    models.EventError,
		Message: fmt.Sprintf("stage %s failed permanently after attempt %d", def.name, attempt),
		Meta: map[string]any{
			"stage": def.name,
			"code":  code,
			"error": stageErr.Error(),
		},
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return OutcomeFailed, fmt.Errorf("append error event: %w", err)
	}
	log.Printf("job %s stage %s failed permanently (%s): %v", jobID, def.name, code, stageErr)
	return OutcomeFailed, nil
}

func (r *Runner) runDownload(ctx context.Context, tx JobTx) error {
	if _, found, err := tx.AudioArtifact(ctx); err != nil {
		return err
	} else if found {
		return nil
	}

	video, err := tx.Video(ctx)
	if err != nil {
		return err
	}
	artifact, err := r.downloader.FetchAudio(ctx, video.CanonicalURL, tx.Job().ID)
	if err != nil {
		return fmt.Errorf("fetch audio: %w", err)
	}
	artifact.JobID = tx.Job().ID
	return tx.UpsertAudioArtifact(ctx, artifact)
}

func (r *Runner) runTranscribe(ctx context.Context, tx JobTx) error {
	artifact, found, err := tx.AudioArtifact(ctx)
	if err != nil {
		return err
	}
	if !found {
		return retry.Precondition("audio_artifact")
	}

	segments, err := r.transcriber.Transcribe(ctx, artifact.StorageURI)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if len(segments) == 0 {
		return fmt.Errorf("transcription produced no segments")
	}

	jobID := tx.Job().ID
	for i := range segments {
		segments[i].JobID = jobID
		segments[i].Idx = i
	}
	chunks := chunk.Build(segments, r.chunkMaxChars)
	for i := range chunks {
		chunks[i].JobID = jobID
	}
	return tx.ReplaceTranscript(ctx, segments, chunks)
}

func (r *Runner) runMapSummarize(ctx context.Context, tx JobTx) error {
	chunks, err := tx.ListChunks(ctx)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return retry.Precondition("transcript_chunks")
	}

	jobID := tx.Job().ID
	summaries := make([]models.MapSummary, 0, len(chunks))
	for _, c := range chunks {
		md, err := r.llm.SummarizeChunk(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("summarize chunk %d: %w", c.Idx, err)
		}
		if strings.TrimSpace(md) == "" {
			return retry.Transient(fmt.Errorf("empty summary for chunk %d", c.Idx))
		}
		summaries = append(summaries, models.MapSummary{
			JobID:        jobID,
			Idx:          c.Idx,
			StartSeconds: c.StartSeconds,
			EndSeconds:   c.EndSeconds,
			SummaryMD:    md,
		})
		if err := tx.Heartbeat(ctx); err != nil {
			return err
		}
	}
	return tx.ReplaceMapSummaries(ctx, summaries)
}

// combinedMapSummaries renders all map summaries as one prompt document with
// chunk time bounds so the model can attribute content to a time range.
func combinedMapSummaries(rows []models.MapSummary) string {
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "### Chunk %d (%.0fs - %.0fs)\n%s\n\n", row.Idx, row.StartSeconds, row.EndSeconds, row.SummaryMD)
	}
	return b.String()
}

func (r *Runner) runReduceSummarize(ctx context.Context, tx JobTx) error {
	rows, err := tx.ListMapSummaries(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return retry.Precondition("map_summaries")
	}

	summary, err := r.llm.ReduceSummaries(ctx, combinedMapSummaries(rows))
	if err != nil {
		return fmt.Errorf("reduce summaries: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return retry.Transient(fmt.Errorf("empty reduce summary"))
	}
	return tx.UpsertReduceSummary(ctx, summary)
}

func (r *Runner) runExtractChapters(ctx context.Context, tx JobTx) error {
	rows, err := tx.ListMapSummaries(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return retry.Precondition("map_summaries")
	}

	md, err := r.llm.ExtractChapters(ctx, combinedMapSummaries(rows))
	if err != nil {
		return fmt.Errorf("extract chapters: %w", err)
	}
	chapters := notes.ParseChapters(md)
	if len(chapters) == 0 {
		return retry.Transient(fmt.Errorf("no chapter headers in model output"))
	}
	jobID := tx.Job().ID
	for i := range chapters {
		chapters[i].JobID = jobID
	}
	return tx.ReplaceChapters(ctx, chapters)
}

func (r *Runner) runExtractTakeaways(ctx context.Context, tx JobTx) error {
	summary, found, err := tx.ReduceSummary(ctx)
	if err != nil {
		return err
	}
	if !found {
		return retry.Precondition("reduce_summary")
	}

	lines, err := r.llm.ExtractTakeaways(ctx, summary)
	if err != nil {
		return fmt.Errorf("extract takeaways: %w", err)
	}
	jobID := tx.Job().ID
	rows := make([]models.Takeaway, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, models.Takeaway{JobID: jobID, Idx: len(rows), Content: line})
	}
	return tx.ReplaceTakeaways(ctx, rows)
}

func (r *Runner) runExtractActionItems(ctx context.Context, tx JobTx) error {
	summary, found, err := tx.ReduceSummary(ctx)
	if err != nil {
		return err
	}
	if !found {
		return retry.Precondition("reduce_summary")
	}

	items, err := r.llm.ExtractActionItems(ctx, summary)
	if err != nil {
		return fmt.Errorf("extract action items: %w", err)
	}
	jobID := tx.Job().ID
	rows := make([]models.ActionItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		item.JobID = jobID
		item.Idx = len(rows)
		if item.Status == "" {
			item.Status = "open"
		}
		rows = append(rows, item)
	}
	return tx.ReplaceActionItems(ctx, rows)
}

func (r *Runner) runFormatMarkdown(ctx context.Context, tx JobTx) error {
	summary, found, err := tx.ReduceSummary(ctx)
	if err != nil {
		return err
	}
	if !found {
		return retry.Precondition("reduce_summary")
	}

	job := tx.Job()
	// RequestedAt keys the generated timestamp so reruns stay byte-identical.
	md := notes.BuildFinalMarkdown(job.ID.String(), summary, job.RequestedAt)
	return tx.UpsertFormattedResult(ctx, md)
}

func (r *Runner) runEmbedChunks(ctx context.Context, tx JobTx) error {
	chunks, err := tx.ListChunks(ctx)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return retry.Precondition("transcript_chunks")
	}

	for _, c := range chunks {
		if c.Embedding != nil {
			continue
		}
		vec, err := r.embedder.Embed(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", c.Idx, err)
		}
		if err := tx.SetChunkEmbedding(ctx, c.ID, vec); err != nil {
			return err
		}
		if err := tx.Heartbeat(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runFinalize(ctx context.Context, tx JobTx) error {
	summary, found, err := tx.ReduceSummary(ctx)
	if err != nil {
		return err
	}
	if !found {
		return retry.Precondition("reduce_summary")
	}
	formatted, found, err := tx.FormattedResult(ctx)
	if err != nil {
		return err
	}
	if !found {
		return retry.Precondition("formatted_result")
	}
	chapters, err := tx.ListChapters(ctx)
	if err != nil {
		return err
	}
	if len(chapters) == 0 {
		return retry.Precondition("chapters")
	}
	takeaways, err := tx.ListTakeaways(ctx)
	if err != nil {
		return err
	}
	items, err := tx.ListActionItems(ctx)
	if err != nil {
		return err
	}

	job := tx.Job()
	payload := models.FinalPayload{
		JobID:             job.ID.String(),
		ReduceSummaryMD:   summary,
		FormattedMarkdown: formatted,
		Chapters:          chapters,
		KeyTakeaways:      takeaways,
		ActionItems:       items,
	}
	if err := tx.UpsertFinalResult(ctx, payload); err != nil {
		return err
	}
	return tx.MarkCompleted(ctx)
}
