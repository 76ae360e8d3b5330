package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"audiobook-orchestrator/internal/faults"
)

// Local stores audio files under a base directory on disk.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Stage(_ context.Context, bookID string, chapterNumber int, jobID string, audio []byte) (string, error) {
	key := StageKey(bookID, chapterNumber, jobID)
	full := l.fullPath(key)
	if len(audio) == 0 {
		return "", &faults.StorageError{Path: key, Err: errEmptyAudio}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", &faults.StorageError{Path: key, Err: fmt.Errorf("create dirs: %w", err)}
	}
	if err := os.WriteFile(full, audio, 0o644); err != nil {
		return "", &faults.StorageError{Path: key, Err: fmt.Errorf("write file: %w", err)}
	}
	// Re-stat the written file; a short write must not be accepted.
	info, err := os.Stat(full)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(full)
		if err == nil {
			err = errEmptyAudio
		}
		return "", &faults.StorageError{Path: key, Err: fmt.Errorf("verify write: %w", err)}
	}
	return key, nil
}

func (l *Local) Promote(_ context.Context, stagedPath string, bookID string, chapterNumber int) (string, error) {
	key := ChapterKey(bookID, chapterNumber)
	if err := os.Rename(l.fullPath(stagedPath), l.fullPath(key)); err != nil {
		return "", &faults.StorageError{Path: stagedPath, Err: fmt.Errorf("promote: %w", err)}
	}
	return key, nil
}

func (l *Local) Remove(_ context.Context, storedPath string) error {
	if err := os.Remove(l.fullPath(storedPath)); err != nil && !os.IsNotExist(err) {
		return &faults.StorageError{Path: storedPath, Err: err}
	}
	return nil
}

func (l *Local) fullPath(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(key))
}
