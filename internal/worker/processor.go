package worker

import (
	"context"
	"log"
	"time"

	"vodnotes/internal/config"
	"vodnotes/internal/pipeline"
	"vodnotes/internal/queue"
	"vodnotes/internal/telemetry"
)

// Processor drives the worker execution loop: promote due retries, reclaim
// expired leases, then execute ready stage tasks through the runner.
type Processor struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	runner *pipeline.Runner
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, runner *pipeline.Runner) *Processor {
	return &Processor{cfg: cfg, queue: q, runner: runner}
}

// Run executes the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	poll := p.cfg.WorkerPollInterval
	if poll == 0 {
		poll = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.sweep(ctx)

		task, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Printf("dequeue: %v", err)
			sleepCtx(ctx, poll)
			continue
		}
		if !ok {
			sleepCtx(ctx, poll)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(ctx, task)
		telemetry.InFlightGauge.Dec()
	}
}

// sweep promotes due deferred tasks and reclaims expired leases.
func (p *Processor) sweep(ctx context.Context) {
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch == 0 {
		batch = 100
	}
	if _, err := p.queue.PromoteScheduled(ctx, time.Now(), batch); err != nil {
		log.Printf("promote scheduled: %v", err)
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), batch)
	if err != nil {
		log.Printf("requeue expired: %v", err)
	}
	for _, task := range reclaimed {
		telemetry.LeasesReclaimed.Inc()
		log.Printf("reclaimed expired lease: job=%s stage=%s attempt=%d", task.JobID, task.Stage, task.Attempt)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) process(ctx context.Context, task queue.Task) {
	outcome, err := p.runner.Run(ctx, task.JobID, task.Stage, task.Attempt)
	if err != nil {
		// The runner already persisted what it could; the lease expires and
		// the sweep will redeliver the task.
		log.Printf("run job=%s stage=%s attempt=%d outcome=%s: %v",
			task.JobID, task.Stage, task.Attempt, outcome, err)
		return
	}

	switch outcome {
	case pipeline.OutcomeCompleted:
		telemetry.StageCompleted.WithLabelValues(task.Stage).Inc()
	case pipeline.OutcomeRetryScheduled:
		telemetry.StageRetried.WithLabelValues(task.Stage).Inc()
	case pipeline.OutcomeFailed:
		telemetry.StageFailed.WithLabelValues(task.Stage).Inc()
		if err := p.queue.DLQPush(ctx, task); err != nil {
			log.Printf("dlq push: %v", err)
		}
	case pipeline.OutcomeSkipped, pipeline.OutcomeNotFound:
		telemetry.StageSkipped.WithLabelValues(task.Stage).Inc()
	}

	// Retries and successors were dispatched as new members; this delivery
	// is done either way.
	if err := p.queue.Ack(ctx, task); err != nil {
		log.Printf("ack: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
