package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"audiobook-orchestrator/internal/config"
	"audiobook-orchestrator/internal/faults"
	"audiobook-orchestrator/internal/models"
	"audiobook-orchestrator/internal/queue"
	"audiobook-orchestrator/internal/store"
	"audiobook-orchestrator/internal/telemetry"
)

// Processor runs the bounded worker pool. The queue serializes hand-out so
// no two workers receive the same job; within one job the pipeline stages
// are strictly sequential.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	store    *store.Store
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.Queue, st *store.Store, pl *Pipeline, logger *slog.Logger) *Processor {
	return &Processor{cfg: cfg, queue: q, store: st, pipeline: pl, logger: logger}
}

// Run starts the worker pool and maintenance loop, blocking until the
// context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return p.workerLoop(ctx, id) })
	}
	g.Go(func() error { return p.maintenanceLoop(ctx) })
	return g.Wait()
}

func (p *Processor) workerLoop(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("dequeue failed", "error", err)
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if jobID == "" {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.runOne(ctx, logger, jobID)
	}
}

// runOne drives a single claimed job to a terminal state. Whatever happens,
// the chapter does not stay in processing past this call.
func (p *Processor) runOne(ctx context.Context, logger *slog.Logger, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// No row for the queued id; drop the orphan.
		logger.Error("job row missing, discarding", "job_id", jobID, "error", err)
		_ = p.queue.Discard(ctx, jobID)
		return
	}
	if job.Status == models.JobCancelled {
		_ = p.queue.Discard(ctx, jobID)
		return
	}

	_ = p.store.UpdateJobStatus(ctx, jobID, models.JobActive, nil)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	report := func(pct int) {
		_ = p.queue.Progress(ctx, jobID, pct)
		_ = p.store.SetJobProgress(ctx, jobID, pct)
	}
	cancelled := func() bool {
		c, err := p.queue.IsCancelled(ctx, jobID)
		return err == nil && c
	}

	logger.Info("job started", "job_id", jobID, "chapter_id", job.ChapterID, "book_id", job.BookID)
	err = p.pipeline.Run(ctx, job, report, cancelled)

	switch {
	case err == nil:
		_ = p.queue.Complete(ctx, jobID)
		_ = p.store.UpdateJobStatus(ctx, jobID, models.JobCompleted, nil)
		telemetry.JobsCompleted.Inc()
		logger.Info("job completed", "job_id", jobID, "chapter_id", job.ChapterID)

	case errors.Is(err, errCancelled):
		// Best-effort cancel honored between stages: the chapter returns
		// to pending, the job is not retained as failed.
		_ = p.queue.Discard(ctx, jobID)
		_ = p.store.SetChapterStatus(ctx, job.ChapterID, models.ChapterPending, nil, nil)
		_, _ = p.store.RecomputeBookStatus(ctx, job.BookID)
		_ = p.store.UpdateJobStatus(ctx, jobID, models.JobCancelled, nil)
		logger.Info("job cancelled", "job_id", jobID, "chapter_id", job.ChapterID)

	case errors.Is(err, faults.ErrDeferJob):
		// A queue-strategy breaker is open; put the job back instead of
		// burning a failed chapter.
		_ = p.queue.Defer(ctx, jobID, p.cfg.DeferDelay)
		_ = p.store.UpdateJobStatus(ctx, jobID, models.JobWaiting, nil)
		telemetry.JobsDeferred.Inc()
		logger.Warn("job deferred, dependency unavailable", "job_id", jobID, "retry_in", p.cfg.DeferDelay)

	default:
		p.failJob(ctx, logger, job, err)
	}
}

// failJob records a terminal failure on the job, the chapter, and the book
// aggregate. Failed chapters stay queryable and are only retried by an
// explicit re-submission.
func (p *Processor) failJob(ctx context.Context, logger *slog.Logger, job models.Job, cause error) {
	msg := cause.Error()
	_ = p.queue.Fail(ctx, job.ID)
	_ = p.store.SetChapterStatus(ctx, job.ChapterID, models.ChapterFailed, nil, nil)
	_, _ = p.store.RecomputeBookStatus(ctx, job.BookID)
	_ = p.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, &msg)
	telemetry.JobsFailed.Inc()
	logger.Error("job failed", "job_id", job.ID, "chapter_id", job.ChapterID, "error", cause)
}

// maintenanceLoop promotes deferred jobs, reclaims stalled leases, and
// keeps the queue gauges fresh.
func (p *Processor) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
			p.logger.Error("promote scheduled failed", "error", err)
		}

		requeued, stalledOut, err := p.queue.ReclaimStalled(ctx, now, 100)
		if err != nil {
			p.logger.Error("reclaim stalled failed", "error", err)
		}
		for _, id := range requeued {
			telemetry.JobsStalled.Inc()
			_ = p.store.IncrementJobStalls(ctx, id)
			p.logger.Warn("stalled job requeued", "job_id", id)
		}
		for _, id := range stalledOut {
			p.failStalled(ctx, id)
		}

		if stats, err := p.queue.GetStats(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(stats.Waiting))
		}
	}
}

// failStalled terminally fails a job that exceeded its stall budget,
// keeping the chapter out of processing.
func (p *Processor) failStalled(ctx context.Context, jobID string) {
	msg := faults.ErrStallTimeout.Error()
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("stalled job row missing", "job_id", jobID, "error", err)
		return
	}
	_ = p.store.SetChapterStatus(ctx, job.ChapterID, models.ChapterFailed, nil, nil)
	_, _ = p.store.RecomputeBookStatus(ctx, job.BookID)
	_ = p.store.UpdateJobStatus(ctx, jobID, models.JobFailed, &msg)
	telemetry.JobsFailed.Inc()
	p.logger.Error("job failed after repeated stalls", "job_id", jobID, "chapter_id", job.ChapterID)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
