// Package store is the book/chapter/job persistence layer. All status
// transitions are last-writer-wins single-row updates; correctness across
// workers relies on the one-job-per-chapter invariant enforced at
// submission time.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audiobook-orchestrator/internal/models"
)

// ErrNotFound is returned for lookups of unknown rows.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateBook inserts a book row.
func (s *Store) CreateBook(ctx context.Context, title string) (models.Book, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO books (id, title, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id, title, models.BookDraft, now)
	if err != nil {
		return models.Book{}, fmt.Errorf("insert book: %w", err)
	}
	return models.Book{ID: id, Title: title, Status: models.BookDraft, CreatedAt: now, UpdatedAt: now}, nil
}

// CreateChapter inserts a chapter in pending state.
func (s *Store) CreateChapter(ctx context.Context, bookID string, number int, title string) (models.Chapter, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chapters (id, book_id, number, title, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, bookID, number, title, models.ChapterPending, now)
	if err != nil {
		return models.Chapter{}, fmt.Errorf("insert chapter: %w", err)
	}
	return models.Chapter{ID: id, BookID: bookID, Number: number, Title: title, Status: models.ChapterPending, CreatedAt: now, UpdatedAt: now}, nil
}

// GetChapter fetches a chapter by id.
func (s *Store) GetChapter(ctx context.Context, id string) (models.Chapter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, book_id, number, title, status, audio_path, duration, created_at, updated_at
		FROM chapters WHERE id = $1
	`, id)
	var ch models.Chapter
	var audioPath pgtype.Text
	var duration pgtype.Float8
	if err := row.Scan(&ch.ID, &ch.BookID, &ch.Number, &ch.Title, &ch.Status, &audioPath, &duration, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Chapter{}, ErrNotFound
		}
		return models.Chapter{}, fmt.Errorf("scan chapter: %w", err)
	}
	if audioPath.Valid {
		ch.AudioPath = &audioPath.String
	}
	if duration.Valid {
		ch.Duration = &duration.Float64
	}
	return ch, nil
}

// SetChapterStatus is the idempotent transition the worker and API agree
// on. audio_path and duration are stored only for completed chapters, so
// a non-null audio_path always implies completed.
func (s *Store) SetChapterStatus(ctx context.Context, id, status string, audioPath *string, duration *float64) error {
	if status != models.ChapterCompleted {
		audioPath = nil
		duration = nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE chapters
		SET status = $2, audio_path = $3, duration = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, audioPath, duration)
	return err
}

// GetBookProgress aggregates chapter counts for one book.
func (s *Store) GetBookProgress(ctx context.Context, bookID string) (models.BookProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'processing'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'pending')
		FROM chapters WHERE book_id = $1
	`, bookID)
	var p models.BookProgress
	if err := row.Scan(&p.Total, &p.Completed, &p.Processing, &p.Failed, &p.Pending); err != nil {
		return models.BookProgress{}, fmt.Errorf("scan book progress: %w", err)
	}
	return p, nil
}

// RecomputeBookStatus derives the aggregate book status from its chapters:
// ready once zero chapters are processing and at least one completed,
// processing while any chapter is, otherwise unchanged. Returns the status
// after the update.
func (s *Store) RecomputeBookStatus(ctx context.Context, bookID string) (string, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE books b
		SET status = CASE
			WHEN c.processing = 0 AND c.completed > 0 THEN 'ready'
			WHEN c.processing > 0 THEN 'processing'
			ELSE b.status
		END,
		updated_at = NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			       COUNT(*) FILTER (WHERE status = 'completed') AS completed
			FROM chapters WHERE book_id = $1
		) c
		WHERE b.id = $1
		RETURNING b.status
	`, bookID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("recompute book status: %w", err)
	}
	return status, nil
}

// CreateJobParams collects inputs required to insert a conversion job.
type CreateJobParams struct {
	ChapterID        string
	BookID           string
	Text             string
	Voice            string
	Model            string
	Summarize        bool
	SummaryStyle     string
	SummaryMaxLength int
	Priority         int
}

// CreateJob inserts a job row in waiting state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, chapter_id, book_id, text, voice, model, summarize,
		                  summary_style, summary_max_length, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, p.ChapterID, p.BookID, p.Text, p.Voice, p.Model, p.Summarize,
		p.SummaryStyle, p.SummaryMaxLength, p.Priority, models.JobWaiting, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:               id,
		ChapterID:        p.ChapterID,
		BookID:           p.BookID,
		Text:             p.Text,
		Voice:            p.Voice,
		Model:            p.Model,
		Summarize:        p.Summarize,
		SummaryStyle:     p.SummaryStyle,
		SummaryMaxLength: p.SummaryMaxLength,
		Priority:         p.Priority,
		Status:           models.JobWaiting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, chapter_id, book_id, text, voice, model, summarize,
		       summary_style, summary_max_length, priority, status, progress,
		       stalls, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	var job models.Job
	var lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.ChapterID, &job.BookID, &job.Text, &job.Voice, &job.Model,
		&job.Summarize, &job.SummaryStyle, &job.SummaryMaxLength, &job.Priority, &job.Status,
		&job.Progress, &job.Stalls, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return job, nil
}

// HasActiveJob reports whether a non-terminal job exists for the chapter.
// The API refuses new submissions while this holds.
func (s *Store) HasActiveJob(ctx context.Context, chapterID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE chapter_id = $1 AND status IN ('waiting', 'active')
	`, chapterID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	return n > 0, nil
}

// UpdateJobStatus sets status and clears or records the last error.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, status, lastError)
	return err
}

// SetJobProgress mirrors the queue's progress into the job row.
func (s *Store) SetJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, id, progress)
	return err
}

// IncrementJobStalls bumps the stall counter after a lease reclaim.
func (s *Store) IncrementJobStalls(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET stalls = stalls + 1, status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.JobWaiting)
	return err
}
