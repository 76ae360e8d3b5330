// Package storage persists synthesized chapter audio under a deterministic
// layout: {book}/chapter-{number}.mp3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Store is the durable audio sink the worker writes to. Writes are staged
// under a job-scoped key first and promoted to the canonical chapter path
// only once the chapter row accepts the result, so a re-submission never
// touches previously completed audio before it itself completes.
type Store interface {
	// Stage writes the audio stream under a temporary job-scoped key and
	// returns that key. A zero-byte stream is rejected with a StorageError
	// and nothing is left behind.
	Stage(ctx context.Context, bookID string, chapterNumber int, jobID string, audio []byte) (string, error)
	// Promote moves staged audio onto the canonical chapter path, replacing
	// any prior audio, and returns the canonical key.
	Promote(ctx context.Context, stagedPath string, bookID string, chapterNumber int) (string, error)
	// Remove deletes a stored file. Missing files are not errors.
	Remove(ctx context.Context, storedPath string) error
}

var errEmptyAudio = errors.New("audio stream is empty")

var unsafeChars = regexp.MustCompile(`[^\w\-.]`)

// sanitize makes an identifier safe to use as a path segment.
func sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, "_.")
	if s == "" {
		s = "unknown"
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// ChapterKey builds the deterministic relative path for a chapter's audio.
func ChapterKey(bookID string, chapterNumber int) string {
	return path.Join(sanitize(bookID), fmt.Sprintf("chapter-%d.mp3", chapterNumber))
}

// StageKey builds the job-scoped temporary path audio is written to before
// acceptance.
func StageKey(bookID string, chapterNumber int, jobID string) string {
	return path.Join(sanitize(bookID), fmt.Sprintf("chapter-%d.%s.tmp.mp3", chapterNumber, sanitize(jobID)))
}
