package models

import (
	"time"
)

// JobStatus enumerates conversion job lifecycle states persisted in Postgres.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is one queued unit of chapter-to-audio conversion work.
type Job struct {
	ID        string  `json:"id"`
	ChapterID string  `json:"chapter_id"`
	BookID    string  `json:"book_id"`
	Text      string  `json:"-"`
	Voice     string  `json:"voice"`
	Model     string  `json:"model"`
	Summarize bool    `json:"summarize"`
	Priority  int     `json:"priority"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Stalls    int     `json:"stalls"`
	LastError *string `json:"last_error,omitempty"`

	// Summarization options, only meaningful when Summarize is set.
	SummaryStyle     string `json:"summary_style,omitempty"`
	SummaryMaxLength int    `json:"summary_max_length,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached a state with no further
// automatic transitions.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}
