package models

import "time"

// ChapterStatus enumerates chapter lifecycle states.
const (
	ChapterPending    = "pending"
	ChapterProcessing = "processing"
	ChapterCompleted  = "completed"
	ChapterFailed     = "failed"
)

// BookStatus enumerates book aggregate states. A book is ready once zero
// chapters are processing and at least one is completed.
const (
	BookDraft      = "draft"
	BookProcessing = "processing"
	BookReady      = "ready"
)

// Chapter is the persistent unit of narration. AudioPath is non-nil only
// when Status is completed.
type Chapter struct {
	ID        string    `json:"id"`
	BookID    string    `json:"book_id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	AudioPath *string   `json:"audio_path,omitempty"`
	Duration  *float64  `json:"duration,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Book aggregates chapters. Status is derived from chapter counts and is
// recomputed after every terminal chapter transition.
type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BookProgress is the aggregate chapter count snapshot served to the API.
type BookProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}
