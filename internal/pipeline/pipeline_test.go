package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"vodnotes/internal/models"
	"vodnotes/internal/retry"
)

type dispatched struct {
	jobID   uuid.UUID
	stage   string
	attempt int
	runAt   time.Time
}

type memDispatcher struct {
	queue []dispatched
	log   []dispatched
}

func (d *memDispatcher) Dispatch(_ context.Context, jobID uuid.UUID, stage string, attempt int, runAt time.Time) error {
	item := dispatched{jobID: jobID, stage: stage, attempt: attempt, runAt: runAt}
	d.queue = append(d.queue, item)
	d.log = append(d.log, item)
	return nil
}

func (d *memDispatcher) pop() (dispatched, bool) {
	if len(d.queue) == 0 {
		return dispatched{}, false
	}
	item := d.queue[0]
	d.queue = d.queue[1:]
	return item, true
}

type mockDownloader struct {
	calls int
	fail  func(call int) error
}

func (m *mockDownloader) FetchAudio(_ context.Context, videoURL string, jobID uuid.UUID) (models.AudioArtifact, error) {
	m.calls++
	if m.fail != nil {
		if err := m.fail(m.calls); err != nil {
			return models.AudioArtifact{}, err
		}
	}
	return models.AudioArtifact{
		StorageURI:    "/data/jobs/" + jobID.String() + "/audio.m4a",
		ContentSHA256: "deadbeef",
		SizeBytes:     1024,
		Meta:          map[string]string{"source_url": videoURL},
	}, nil
}

type mockTranscriber struct {
	segments []models.TranscriptSegment
}

func (m *mockTranscriber) Transcribe(context.Context, string) ([]models.TranscriptSegment, error) {
	return append([]models.TranscriptSegment(nil), m.segments...), nil
}

type mockLLM struct {
	mapCalls int
	mapFail  func(call int) error
}

func (m *mockLLM) SummarizeChunk(_ context.Context, chunkText string) (string, error) {
	m.mapCalls++
	if m.mapFail != nil {
		if err := m.mapFail(m.mapCalls); err != nil {
			return "", err
		}
	}
	return "- " + chunkText[:min(20, len(chunkText))], nil
}

func (m *mockLLM) ReduceSummaries(context.Context, string) (string, error) {
	return "## Summary\n\n- merged notes\n\n## Details\n\n- more", nil
}

func (m *mockLLM) ExtractChapters(context.Context, string) (string, error) {
	return "### 0:00 - 1:30 | Intro\n- opening remarks\n### 1:30 - 3:00 | Main\n- the core idea", nil
}

func (m *mockLLM) ExtractTakeaways(context.Context, string) ([]string, error) {
	return []string{"first takeaway", "second takeaway"}, nil
}

func (m *mockLLM) ExtractActionItems(context.Context, string) ([]models.ActionItem, error) {
	return []models.ActionItem{{Content: "follow up on the demo"}}, nil
}

type mockEmbedder struct {
	calls int
}

func (m *mockEmbedder) Embed(context.Context, string) ([]float32, error) {
	m.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func testSegments() []models.TranscriptSegment {
	return []models.TranscriptSegment{
		{StartMS: 0, EndMS: 45000, Text: "welcome to the talk about schedulers"},
		{StartMS: 45000, EndMS: 90000, Text: "first we cover queueing theory basics"},
		{StartMS: 90000, EndMS: 180000, Text: "then we dig into lease based delivery"},
	}
}

type fixture struct {
	store      *memStore
	dispatcher *memDispatcher
	runner     *Runner
	state      *memState
	downloader *mockDownloader
	llm        *mockLLM
	embedder   *mockEmbedder
}

func newFixture(t *testing.T, opts RunnerOptions) *fixture {
	t.Helper()
	store := newMemStore()
	video := models.Video{
		ID:            uuid.New(),
		Source:        models.SourceYouTube,
		SourceVideoID: "dQw4w9WgXcQ",
		CanonicalURL:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Fingerprint:   "fp",
	}
	state := store.addJob(video)

	f := &fixture{
		store:      store,
		dispatcher: &memDispatcher{},
		state:      state,
		downloader: &mockDownloader{},
		llm:        &mockLLM{},
		embedder:   &mockEmbedder{},
	}
	f.runner = NewRunner(store, f.dispatcher,
		f.downloader, &mockTranscriber{segments: testSegments()}, f.llm, f.embedder, opts)
	return f
}

// drain processes dispatched tasks in order, ignoring scheduled delay, until
// the queue empties. Returns the outcome of each invocation.
func (f *fixture) drain(t *testing.T) []Outcome {
	t.Helper()
	var outcomes []Outcome
	for i := 0; i < 100; i++ {
		task, ok := f.dispatcher.pop()
		if !ok {
			return outcomes
		}
		outcome, err := f.runner.Run(context.Background(), task.jobID, task.stage, task.attempt)
		if err != nil {
			t.Fatalf("run %s attempt %d: %v", task.stage, task.attempt, err)
		}
		outcomes = append(outcomes, outcome)
	}
	t.Fatalf("pipeline did not converge")
	return nil
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.dispatcher.Dispatch(context.Background(), f.state.job.ID, EntryStage, 0, time.Now()); err != nil {
		t.Fatalf("dispatch entry: %v", err)
	}
}

func statusChanges(events []models.JobEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == models.EventStatusChange {
			out = append(out, *ev.FromStatus+"->"+*ev.ToStatus)
		}
	}
	return out
}

func TestPipelineRunsToCompletion(t *testing.T) {
	f := newFixture(t, RunnerOptions{EmbedEnabled: true, ChunkMaxChars: 60})
	f.start(t)
	f.drain(t)

	job := f.state.job
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed (error=%v)", job.Status, job.ErrorMessage)
	}
	if job.Progress != 100 {
		t.Fatalf("progress = %d, want 100", job.Progress)
	}
	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", job.RetryCount)
	}
	if job.StartedAt == nil || job.CompletedAt == nil || job.LastHeartbeat == nil {
		t.Fatalf("lifecycle timestamps missing: %+v", job)
	}

	changes := statusChanges(f.state.events)
	want := []string{
		"queued->downloading",
		"downloading->transcribing",
		"transcribing->summarizing",
		"summarizing->completed",
	}
	if len(changes) != len(want) {
		t.Fatalf("status changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("status change %d = %q, want %q", i, changes[i], want[i])
		}
	}

	if f.state.audio == nil || f.state.audio.ContentSHA256 == "" {
		t.Fatalf("audio artifact missing")
	}
	if len(f.state.segments) != 3 {
		t.Fatalf("segments = %d", len(f.state.segments))
	}
	for i, c := range f.state.chunks {
		if c.Idx != i {
			t.Fatalf("chunk indexes not contiguous: %+v", f.state.chunks)
		}
		if c.Embedding == nil {
			t.Fatalf("chunk %d not embedded", i)
		}
	}
	if len(f.state.summaries) != len(f.state.chunks) {
		t.Fatalf("map summaries = %d, chunks = %d", len(f.state.summaries), len(f.state.chunks))
	}
	if f.state.reduce == nil || f.state.formatted == nil {
		t.Fatalf("reduce/formatted missing")
	}
	if len(f.state.chapters) != 2 || f.state.chapters[1].Title != "Main" {
		t.Fatalf("chapters = %+v", f.state.chapters)
	}

	final := f.state.final
	if final == nil {
		t.Fatalf("final result missing")
	}
	if final.JobID != job.ID.String() || final.ReduceSummaryMD != *f.state.reduce || final.FormattedMarkdown != *f.state.formatted {
		t.Fatalf("final payload inconsistent: %+v", final)
	}
	if len(final.KeyTakeaways) != 2 || len(final.ActionItems) != 1 {
		t.Fatalf("final payload notes: %+v", final)
	}
	if final.ActionItems[0].Status != "open" {
		t.Fatalf("action item status = %q", final.ActionItems[0].Status)
	}
}

func TestEmbedStageSkippedWhenDisabled(t *testing.T) {
	f := newFixture(t, RunnerOptions{EmbedEnabled: false})
	f.start(t)
	f.drain(t)

	if f.state.job.Status != models.StatusCompleted {
		t.Fatalf("status = %q", f.state.job.Status)
	}
	if f.embedder.calls != 0 {
		t.Fatalf("embedder called %d times with embedding disabled", f.embedder.calls)
	}
	for _, item := range f.dispatcher.log {
		if item.stage == StageEmbed {
			t.Fatalf("embed stage dispatched while disabled")
		}
	}
	for _, c := range f.state.chunks {
		if c.Embedding != nil {
			t.Fatalf("chunk embedded while disabled")
		}
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, RunnerOptions{EmbedEnabled: true})
	// First two map invocations hit a rate limit, the third succeeds.
	f.llm.mapFail = func(call int) error {
		if call <= 2 {
			return fmt.Errorf("rate limit exceeded")
		}
		return nil
	}
	f.start(t)
	f.drain(t)

	job := f.state.job
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", job.RetryCount)
	}

	var retries []models.JobEvent
	for _, ev := range f.state.events {
		if ev.Type == models.EventRetry {
			retries = append(retries, ev)
		}
	}
	if len(retries) != 2 {
		t.Fatalf("retry events = %d, want 2", len(retries))
	}
	for i, ev := range retries {
		if ev.Meta["code"] != "transient_external" {
			t.Fatalf("retry %d code = %v", i, ev.Meta["code"])
		}
	}

	// The retry dispatches were deferred with growing backoff.
	var delays []time.Duration
	for _, item := range f.dispatcher.log {
		if item.stage == StageMap && item.attempt > 0 {
			delays = append(delays, time.Until(item.runAt))
		}
	}
	if len(delays) != 2 {
		t.Fatalf("retry dispatches = %d, want 2", len(delays))
	}
	// attempt 0 failure waits at least 1s, attempt 1 failure at least 2s.
	if delays[0] < 500*time.Millisecond || delays[1] < 1500*time.Millisecond {
		t.Fatalf("backoff too short: %v", delays)
	}
}

func TestTerminalFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, RunnerOptions{})
	f.downloader.fail = func(int) error {
		return errors.New("video is private")
	}
	f.start(t)
	outcomes := f.drain(t)

	if len(outcomes) != 1 || outcomes[0] != OutcomeFailed {
		t.Fatalf("outcomes = %v, want single failure", outcomes)
	}

	job := f.state.job
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if job.Stage != "download_failed" {
		t.Fatalf("stage = %q, want download_failed", job.Stage)
	}
	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", job.RetryCount)
	}
	if job.ErrorCode == nil || *job.ErrorCode != "terminal_external" {
		t.Fatalf("error code = %v", job.ErrorCode)
	}
	if !strings.Contains(*job.ErrorMessage, "video is private") {
		t.Fatalf("error message = %q", *job.ErrorMessage)
	}

	var errorEvents int
	for _, ev := range f.state.events {
		if ev.Type == models.EventError {
			errorEvents++
		}
	}
	if errorEvents != 1 {
		t.Fatalf("error events = %d, want 1", errorEvents)
	}
	if f.state.audio != nil {
		t.Fatalf("failed download left an artifact behind")
	}
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t, RunnerOptions{Policy: retry.Policy{MaxAttempts: 3, PreconditionAttempts: 2, MaxDelay: time.Minute}})
	f.downloader.fail = func(int) error {
		return retry.Transient(errors.New("connection reset"))
	}
	f.start(t)
	outcomes := f.drain(t)

	// Attempts 0 and 1 schedule retries, attempt 2 fails terminally.
	want := []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeFailed}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcome %d = %v, want %v", i, outcomes[i], want[i])
		}
	}

	job := f.state.job
	if job.Status != models.StatusFailed || job.Stage != "download_failed" {
		t.Fatalf("job = %+v", job)
	}
	if job.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", job.RetryCount)
	}
}

func TestPreconditionMissingUsesSmallerBound(t *testing.T) {
	f := newFixture(t, RunnerOptions{})
	// Dispatch transcribe directly with the job already in downloading, but
	// with no audio artifact recorded.
	f.state.job.Status = models.StatusDownloading

	ctx := context.Background()
	outcome, err := f.runner.Run(ctx, f.state.job.ID, StageTranscribe, 0)
	if err != nil || outcome != OutcomeRetryScheduled {
		t.Fatalf("attempt 0: outcome=%v err=%v", outcome, err)
	}
	if f.state.job.ErrorCode == nil || *f.state.job.ErrorCode != "precondition_missing" {
		t.Fatalf("error code = %v", f.state.job.ErrorCode)
	}

	outcome, err = f.runner.Run(ctx, f.state.job.ID, StageTranscribe, 1)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("attempt 1: outcome=%v err=%v", outcome, err)
	}
	if f.state.job.Status != models.StatusFailed || f.state.job.Stage != "transcribe_failed" {
		t.Fatalf("job = %+v", f.state.job)
	}
}

func TestStageSkippedOnStatusMismatch(t *testing.T) {
	f := newFixture(t, RunnerOptions{})
	f.state.job.Status = models.StatusSummarizing
	eventsBefore := len(f.state.events)

	outcome, err := f.runner.Run(context.Background(), f.state.job.ID, StageDownload, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", outcome)
	}
	if f.downloader.calls != 0 {
		t.Fatalf("downloader invoked on skipped stage")
	}
	if len(f.state.events) != eventsBefore || f.state.audio != nil {
		t.Fatalf("skipped stage produced writes")
	}
	if len(f.dispatcher.log) != 0 {
		t.Fatalf("skipped stage dispatched a successor: %v", f.dispatcher.log)
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t, RunnerOptions{})
	outcome, err := f.runner.Run(context.Background(), uuid.New(), StageDownload, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeNotFound {
		t.Fatalf("outcome = %v, want not found", outcome)
	}
}

func TestDuplicateDeliveryAfterCompletionIsInert(t *testing.T) {
	f := newFixture(t, RunnerOptions{EmbedEnabled: true})
	f.start(t)
	f.drain(t)

	finalBefore := *f.state.final
	formattedBefore := *f.state.formatted
	eventsBefore := len(f.state.events)

	// Redeliver every stage of the finished job.
	for _, def := range stageOrder {
		outcome, err := f.runner.Run(context.Background(), f.state.job.ID, def.name, 0)
		if err != nil {
			t.Fatalf("redeliver %s: %v", def.name, err)
		}
		if outcome != OutcomeSkipped {
			t.Fatalf("redeliver %s outcome = %v, want skipped", def.name, outcome)
		}
	}

	if *f.state.formatted != formattedBefore {
		t.Fatalf("formatted markdown changed on redelivery")
	}
	if f.state.final.FormattedMarkdown != finalBefore.FormattedMarkdown ||
		f.state.final.ReduceSummaryMD != finalBefore.ReduceSummaryMD {
		t.Fatalf("final result changed on redelivery")
	}
	if len(f.state.events) != eventsBefore {
		t.Fatalf("redelivery appended events")
	}
	if f.state.job.Status != models.StatusCompleted {
		t.Fatalf("status = %q", f.state.job.Status)
	}
}

func TestFormatStageIsDeterministic(t *testing.T) {
	f := newFixture(t, RunnerOptions{})
	f.state.job.Status = models.StatusSummarizing
	summary := "## Summary\n\n- stable input"
	f.state.reduce = &summary

	ctx := context.Background()
	if outcome, err := f.runner.Run(ctx, f.state.job.ID, StageFormat, 0); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("first format: outcome=%v err=%v", outcome, err)
	}
	first := *f.state.formatted

	// Clear the dispatcher and rerun the same stage against unchanged inputs.
	f.dispatcher.queue = nil
	if outcome, err := f.runner.Run(ctx, f.state.job.ID, StageFormat, 0); err != nil || outcome != OutcomeCompleted {
		t.Fatalf("second format: outcome=%v err=%v", outcome, err)
	}
	if *f.state.formatted != first {
		t.Fatalf("format output not byte-identical across reruns")
	}
}

type flakyDispatcher struct {
	memDispatcher
	failOnce map[string]bool
}

func (d *flakyDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID, stage string, attempt int, runAt time.Time) error {
	if d.failOnce[stage] {
		delete(d.failOnce, stage)
		return errors.New("redis: connection refused")
	}
	return d.memDispatcher.Dispatch(ctx, jobID, stage, attempt, runAt)
}

func TestLostSuccessorDispatchRecoveredOnRedelivery(t *testing.T) {
	store := newMemStore()
	state := store.addJob(models.Video{
		ID:            uuid.New(),
		Source:        models.SourceYouTube,
		SourceVideoID: "dQw4w9WgXcQ",
		CanonicalURL:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Fingerprint:   "fp",
	})
	disp := &flakyDispatcher{failOnce: map[string]bool{StageTranscribe: true}}
	downloader := &mockDownloader{}
	runner := NewRunner(store, disp, downloader,
		&mockTranscriber{segments: testSegments()}, &mockLLM{}, &mockEmbedder{}, RunnerOptions{EmbedEnabled: true})

	ctx := context.Background()
	outcome, err := runner.Run(ctx, state.job.ID, StageDownload, 0)
	if outcome != OutcomeCompleted || err == nil {
		t.Fatalf("first delivery: outcome=%v err=%v, want completed with a dispatch error", outcome, err)
	}
	// The stage itself committed even though the successor dispatch was lost.
	if state.job.Status != models.StatusDownloading || state.audio == nil {
		t.Fatalf("download did not commit: %+v", state.job)
	}
	if len(disp.queue) != 0 {
		t.Fatalf("tasks queued despite dispatch failure: %v", disp.queue)
	}

	// The unacked lease expires and the queue redelivers the same task. The
	// status guard skips the stage body but must re-dispatch the successor,
	// or the job would sit at downloading forever.
	outcome, err = runner.Run(ctx, state.job.ID, StageDownload, 0)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("redelivery: outcome=%v err=%v, want skipped", outcome, err)
	}
	if downloader.calls != 1 {
		t.Fatalf("downloader ran %d times, want 1", downloader.calls)
	}
	if len(disp.queue) != 1 || disp.queue[0].stage != StageTranscribe || disp.queue[0].attempt != 0 {
		t.Fatalf("successor not redispatched: %v", disp.queue)
	}

	for i := 0; i < 100; i++ {
		task, ok := disp.pop()
		if !ok {
			break
		}
		if _, err := runner.Run(ctx, task.jobID, task.stage, task.attempt); err != nil {
			t.Fatalf("run %s: %v", task.stage, err)
		}
	}
	if state.job.Status != models.StatusCompleted || state.job.Progress != 100 {
		t.Fatalf("job = %+v, want completed", state.job)
	}
}

func TestSuccessorDispatchFollowsCommit(t *testing.T) {
	f := newFixture(t, RunnerOptions{EmbedEnabled: true})
	f.start(t)

	task, _ := f.dispatcher.pop()
	outcome, err := f.runner.Run(context.Background(), task.jobID, task.stage, task.attempt)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("download: outcome=%v err=%v", outcome, err)
	}

	next, ok := f.dispatcher.pop()
	if !ok || next.stage != StageTranscribe || next.attempt != 0 {
		t.Fatalf("successor = %+v ok=%v, want transcribe attempt 0", next, ok)
	}
	// The dispatched successor sees the committed predecessor state.
	if f.state.job.Status != models.StatusDownloading || f.state.audio == nil {
		t.Fatalf("successor dispatched before commit: %+v", f.state.job)
	}
}
