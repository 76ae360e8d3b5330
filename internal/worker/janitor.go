package worker

import (
	"context"
	"log/slog"
	"time"

	"audiobook-orchestrator/internal/models"
	"audiobook-orchestrator/internal/queue"
	"audiobook-orchestrator/internal/store"
	"audiobook-orchestrator/internal/telemetry"
)

// Janitor runs the scheduled maintenance sweep: waiting jobs past their TTL
// are failed with a timeout reason. Wired to a cron schedule in the worker
// process with its own cancellation, not as a fire-and-forget side effect.
type Janitor struct {
	queue  *queue.Queue
	store  *store.Store
	logger *slog.Logger
}

func NewJanitor(q *queue.Queue, st *store.Store, logger *slog.Logger) *Janitor {
	return &Janitor{queue: q, store: st, logger: logger}
}

// Sweep expires timed-out waiting jobs and reflects the failure on their
// chapters.
func (j *Janitor) Sweep(ctx context.Context) {
	expired, err := j.queue.ExpireOld(ctx, time.Now(), 200)
	if err != nil {
		j.logger.Error("expiry sweep failed", "error", err)
	}
	for _, id := range expired {
		telemetry.JobsExpired.Inc()
		msg := "job expired before a worker picked it up"
		job, err := j.store.GetJob(ctx, id)
		if err != nil {
			j.logger.Error("expired job row missing", "job_id", id, "error", err)
			continue
		}
		_ = j.store.SetChapterStatus(ctx, job.ChapterID, models.ChapterFailed, nil, nil)
		_, _ = j.store.RecomputeBookStatus(ctx, job.BookID)
		_ = j.store.UpdateJobStatus(ctx, id, models.JobFailed, &msg)
		j.logger.Warn("expired waiting job", "job_id", id, "chapter_id", job.ChapterID)
	}
}
