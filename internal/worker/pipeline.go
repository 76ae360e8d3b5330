// Package worker drives dequeued conversion jobs through the summarize →
// clean → synthesize → persist → update-state pipeline and guarantees every
// chapter ends in a terminal, consistent status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"audiobook-orchestrator/internal/breaker"
	"audiobook-orchestrator/internal/deps"
	"audiobook-orchestrator/internal/faults"
	"audiobook-orchestrator/internal/models"
	"audiobook-orchestrator/internal/retry"
	"audiobook-orchestrator/internal/storage"
	"audiobook-orchestrator/internal/telemetry"
	"audiobook-orchestrator/internal/textutil"
)

// errCancelled aborts the pipeline between stages after a cancel request.
var errCancelled = errors.New("job cancelled")

// EntityStore is the chapter/book state the pipeline mutates.
type EntityStore interface {
	GetChapter(ctx context.Context, id string) (models.Chapter, error)
	SetChapterStatus(ctx context.Context, id, status string, audioPath *string, duration *float64) error
	RecomputeBookStatus(ctx context.Context, bookID string) (string, error)
}

// Summarizer is the summarization dependency caller.
type Summarizer interface {
	Summarize(ctx context.Context, req deps.SummarizeRequest) (deps.SummarizeResponse, error)
	CacheKey(req deps.SummarizeRequest) string
}

// Speech is the speech-synthesis dependency caller.
type Speech interface {
	Synthesize(ctx context.Context, req deps.SpeechRequest) (deps.SpeechResult, error)
}

// Pipeline converts one job. All dependency calls go through the retry
// executor and the breaker registry; the pipeline itself never talks to the
// network directly.
type Pipeline struct {
	breakers     *breaker.Registry
	summarizer   Summarizer
	speech       Speech
	entities     EntityStore
	audio        storage.Store
	logger       *slog.Logger
	sumPolicy    retry.Policy
	speechPolicy retry.Policy
}

func NewPipeline(
	breakers *breaker.Registry,
	summarizer Summarizer,
	speech Speech,
	entities EntityStore,
	audio storage.Store,
	sumPolicy, speechPolicy retry.Policy,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		breakers:     breakers,
		summarizer:   summarizer,
		speech:       speech,
		entities:     entities,
		audio:        audio,
		logger:       logger,
		sumPolicy:    sumPolicy,
		speechPolicy: speechPolicy,
	}
}

// Run executes the pipeline for a job whose chapter is already marked
// processing by the submitter. report is called at stage boundaries and
// doubles as the stall heartbeat; cancelled is checked between stages, not
// mid-call. On error the terminal chapter transition is the processor's
// responsibility; on success Run leaves the chapter completed.
func (p *Pipeline) Run(ctx context.Context, job models.Job, report func(pct int), cancelled func() bool) error {
	chapter, err := p.entities.GetChapter(ctx, job.ChapterID)
	if err != nil {
		return fmt.Errorf("load chapter %s: %w", job.ChapterID, err)
	}

	text := job.Text
	if job.Summarize {
		text = p.summarize(ctx, job)
	}
	report(25)
	if cancelled() {
		return errCancelled
	}

	cleaned := textutil.Clean(text)
	if cleaned == "" {
		return faults.ErrNoContent
	}
	report(40)
	if cancelled() {
		return errCancelled
	}

	result, err := p.synthesize(ctx, job, cleaned)
	if err != nil {
		return err
	}
	report(70)
	if cancelled() {
		return errCancelled
	}

	staged, err := p.audio.Stage(ctx, job.BookID, chapter.Number, job.ID, result.Audio)
	if err != nil {
		return err
	}
	report(90)

	duration := result.Duration
	if duration <= 0 {
		duration = textutil.EstimateDuration(cleaned)
	}
	audioPath := storage.ChapterKey(job.BookID, chapter.Number)
	if err := p.entities.SetChapterStatus(ctx, job.ChapterID, models.ChapterCompleted, &audioPath, &duration); err != nil {
		// Result not accepted; discard only the staged copy so prior
		// completed audio at the canonical path stays intact.
		_ = p.audio.Remove(ctx, staged)
		return fmt.Errorf("mark chapter completed: %w", err)
	}
	if _, err := p.audio.Promote(ctx, staged, job.BookID, chapter.Number); err != nil {
		// The row says completed but the canonical audio was not replaced;
		// roll the chapter back so the invariant holds.
		_ = p.entities.SetChapterStatus(ctx, job.ChapterID, models.ChapterFailed, nil, nil)
		_ = p.audio.Remove(ctx, staged)
		return err
	}
	if status, err := p.entities.RecomputeBookStatus(ctx, job.BookID); err != nil {
		p.logger.Warn("book status recompute failed", "book_id", job.BookID, "error", err)
	} else if status == models.BookReady {
		p.logger.Info("book ready", "book_id", job.BookID)
	}
	report(100)
	return nil
}

// summarize calls the summarizer with a short retry budget. Failures are
// non-fatal: the original text is used and a metric recorded. A deferred
// summarizer never defers the whole job.
func (p *Pipeline) summarize(ctx context.Context, job models.Job) string {
	req := deps.SummarizeRequest{
		Text:        job.Text,
		Style:       job.SummaryStyle,
		MaxLength:   job.SummaryMaxLength,
		ContentType: "chapter",
	}
	res, err := retry.Do(ctx, p.sumPolicy, func(ctx context.Context) (any, error) {
		return p.breakers.Execute(ctx, deps.NameSummarizer, func(ctx context.Context) (any, error) {
			return p.summarizer.Summarize(ctx, req)
		}, breaker.WithCacheKey(p.summarizer.CacheKey(req)))
	})
	if err != nil {
		telemetry.SummaryFallbacks.Inc()
		p.logger.Warn("summarization failed, using original text",
			"job_id", job.ID, "chapter_id", job.ChapterID, "error", err)
		return job.Text
	}
	out, ok := res.(deps.SummarizeResponse)
	if !ok || out.Summary == "" {
		telemetry.SummaryFallbacks.Inc()
		return job.Text
	}
	return out.Summary
}

// synthesize calls the speech dependency. Synthesis is expensive, so the
// retry budget is tight; exhaustion is a terminal job failure.
func (p *Pipeline) synthesize(ctx context.Context, job models.Job, text string) (deps.SpeechResult, error) {
	req := deps.SpeechRequest{
		Text:      text,
		Voice:     job.Voice,
		Model:     job.Model,
		ChapterID: job.ChapterID,
		BookID:    job.BookID,
	}
	res, err := retry.Do(ctx, p.speechPolicy, func(ctx context.Context) (any, error) {
		return p.breakers.Execute(ctx, deps.NameSpeech, func(ctx context.Context) (any, error) {
			return p.speech.Synthesize(ctx, req)
		})
	})
	if err != nil {
		return deps.SpeechResult{}, err
	}
	out, ok := res.(deps.SpeechResult)
	if !ok {
		return deps.SpeechResult{}, &faults.DependencyError{Dependency: deps.NameSpeech, Message: "unexpected result type"}
	}
	return out, nil
}
