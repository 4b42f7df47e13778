package pipeline

import (
	"context"

	"vodnotes/internal/models"
)

// Stage names double as the job's stage label while the stage runs.
const (
	StageDownload   = "download_audio"
	StageTranscribe = "transcribe"
	StageMap        = "summarize_map"
	StageReduce     = "summarize_reduce"
	StageChapters   = "summarize_chapters"
	StageTakeaways  = "summarize_takeaways"
	StageActions    = "summarize_actions"
	StageFormat     = "summarize_format"
	StageEmbed      = "embed_chunks"
	StageFinalize   = "finalize"
)

// EntryStage is what admission dispatches for a freshly queued job.
const EntryStage = StageDownload

type stageDef struct {
	name string
	// expect is the predecessor status guard: the stage only executes when
	// the job's status equals it; anything else is a skipped no-op.
	expect string
	// status/progress reported at stage entry.
	status   string
	progress int
	// failLabel is the stage value written when this stage fails terminally.
	failLabel string
	run       func(r *Runner, ctx context.Context, tx JobTx) error
}

// stageOrder fixes the pipeline sequence. The extraction stages between
// reduce and format depend only on reduce output and are order-independent
// among themselves; they run in this sequence for dispatch simplicity.
var stageOrder = []stageDef{
	{
		name:      StageDownload,
		expect:    models.StatusQueued,
		status:    models.StatusDownloading,
		progress:  10,
		failLabel: "download_failed",
		run:       (*Runner).runDownload,
	},
	{
		name:      StageTranscribe,
		expect:    models.StatusDownloading,
		status:    models.StatusTranscribing,
		progress:  40,
		failLabel: "transcribe_failed",
		run:       (*Runner).runTranscribe,
	},
	{
		name:      StageMap,
		expect:    models.StatusTranscribing,
		status:    models.StatusSummarizing,
		progress:  75,
		failLabel: "summarize_failed",
		run:       (*Runner).runMapSummarize,
	},
	{
		name:      StageReduce,
		expect:    models.StatusSummarizing,
		status:    models.StatusSummarizing,
		progress:  75,
		failLabel: "summarize_failed",
		run:       (*Runner).runReduceSummarize,
	},
	{
		name:      StageChapters,
		expect:    models.StatusSummarizing,
		status:    models.StatusSummarizing,
		progress:  75,
		failLabel: "summarize_failed",
		run:       (*Runner).runExtractChapters,
	},
	{
		name:      StageTakeaways,
		expect:    models.StatusSummarizing,
		status:    models.StatusSummarizing,
		progress:  75,
		failLabel: "summarize_failed",
		run:       (*Runner).runExtractTakeaways,
	},
	{
		name:      StageActions,
		expect:    models.StatusSummarizing,
		status:    models.StatusSummarizing,
		progress:  75,
		failLabel: "summarize_failed",
		run:       (*Runner).runExtractActionItems,
	},
	{
		name:      StageFormat,
		expect:    models.StatusSummarizing,
		status:    models.StatusSummarizing,
		progress:  75,
		failLabel: "summarize_failed",
		run:       (*Runner).runFormatMarkdown,
	},
	{
		name:      StageEmbed,
		expect:    models.StatusSummarizing,
		status:    models.StatusSummarizing,
		progress:  90,
		failLabel: "embed_failed",
		run:       (*Runner).runEmbedChunks,
	},
	{
		name:      StageFinalize,
		expect:    models.StatusSummarizing,
		status:    models.StatusCompleted,
		progress:  100,
		failLabel: "finalize_failed",
		run:       (*Runner).runFinalize,
	},
}

var stageByName = func() map[string]*stageDef {
	m := make(map[string]*stageDef, len(stageOrder))
	for i := range stageOrder {
		m[stageOrder[i].name] = &stageOrder[i]
	}
	return m
}()

// nextStage returns the successor of the given stage, honoring the optional
// embed stage. Empty string means the pipeline is done.
func (r *Runner) nextStage(name string) string {
	for i := range stageOrder {
		if stageOrder[i].name != name {
			continue
		}
		for j := i + 1; j < len(stageOrder); j++ {
			if stageOrder[j].name == StageEmbed && !r.embedEnabled {
				continue
			}
			return stageOrder[j].name
		}
		return ""
	}
	return ""
}
