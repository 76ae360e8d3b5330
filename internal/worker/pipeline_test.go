package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiobook-orchestrator/internal/breaker"
	"audiobook-orchestrator/internal/deps"
	"audiobook-orchestrator/internal/faults"
	"audiobook-orchestrator/internal/models"
	"audiobook-orchestrator/internal/retry"
	"audiobook-orchestrator/internal/storage"
)

type fakeEntities struct {
	chapters map[string]models.Chapter

	statusCalls []statusCall
	bookStatus  string
	recomputes  int
	statusErr   error
}

type statusCall struct {
	id        string
	status    string
	audioPath *string
	duration  *float64
}

func (f *fakeEntities) GetChapter(_ context.Context, id string) (models.Chapter, error) {
	ch, ok := f.chapters[id]
	if !ok {
		return models.Chapter{}, errors.New("chapter not found")
	}
	return ch, nil
}

func (f *fakeEntities) SetChapterStatus(_ context.Context, id, status string, audioPath *string, duration *float64) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statusCalls = append(f.statusCalls, statusCall{id, status, audioPath, duration})
	return nil
}

func (f *fakeEntities) RecomputeBookStatus(_ context.Context, _ string) (string, error) {
	f.recomputes++
	if f.bookStatus == "" {
		return models.BookProcessing, nil
	}
	return f.bookStatus, nil
}

type fakeSummarizer struct {
	fn func(deps.SummarizeRequest) (deps.SummarizeResponse, error)
}

func (f *fakeSummarizer) Summarize(_ context.Context, req deps.SummarizeRequest) (deps.SummarizeResponse, error) {
	return f.fn(req)
}

func (f *fakeSummarizer) CacheKey(req deps.SummarizeRequest) string { return "sum:" + req.Text }

type fakeSpeech struct {
	fn    func(deps.SpeechRequest) (deps.SpeechResult, error)
	calls int
	last  deps.SpeechRequest
}

func (f *fakeSpeech) Synthesize(_ context.Context, req deps.SpeechRequest) (deps.SpeechResult, error) {
	f.calls++
	f.last = req
	return f.fn(req)
}

type fakeAudio struct {
	files      map[string][]byte
	stageErr   error
	promoteErr error
}

func newFakeAudio() *fakeAudio { return &fakeAudio{files: make(map[string][]byte)} }

func (f *fakeAudio) Stage(_ context.Context, bookID string, chapterNumber int, jobID string, audio []byte) (string, error) {
	if f.stageErr != nil {
		return "", f.stageErr
	}
	key := storage.StageKey(bookID, chapterNumber, jobID)
	f.files[key] = audio
	return key, nil
}

func (f *fakeAudio) Promote(_ context.Context, stagedPath string, bookID string, chapterNumber int) (string, error) {
	if f.promoteErr != nil {
		return "", f.promoteErr
	}
	key := storage.ChapterKey(bookID, chapterNumber)
	f.files[key] = f.files[stagedPath]
	delete(f.files, stagedPath)
	return key, nil
}

func (f *fakeAudio) Remove(_ context.Context, storedPath string) error {
	delete(f.files, storedPath)
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testPipeline(t *testing.T, entities *fakeEntities, sum *fakeSummarizer, speech *fakeSpeech, audio storage.Store) *Pipeline {
	t.Helper()
	breakers := breaker.NewRegistry(breaker.Config{
		ThresholdPct:  50,
		Window:        time.Minute,
		Buckets:       6,
		MinRequests:   100,
		RecoveryDelay: time.Minute,
	})
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}.WithSleep(noSleep)
	return NewPipeline(breakers, sum, speech, entities, audio, policy, policy,
		slog.New(slog.NewTextHandler(testWriter{t}, nil)))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testJob() models.Job {
	return models.Job{
		ID:        "job-1",
		ChapterID: "ch-1",
		BookID:    "book-1",
		Text:      "Hello world. This is chapter one.",
		Voice:     "af_heart",
		Model:     "kokoro",
	}
}

func testChapters() map[string]models.Chapter {
	return map[string]models.Chapter{
		"ch-1": {ID: "ch-1", BookID: "book-1", Number: 1, Status: models.ChapterProcessing},
	}
}

func never() bool { return false }

func TestPipelineHappyPath(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters(), bookStatus: models.BookReady}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("mp3"), Duration: 12.5}, nil
	}}
	audio := newFakeAudio()
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, audio)

	var reports []int
	err := p.Run(context.Background(), testJob(), func(pct int) { reports = append(reports, pct) }, never)
	require.NoError(t, err)

	assert.Equal(t, []int{25, 40, 70, 90, 100}, reports)
	assert.Equal(t, []byte("mp3"), audio.files["book-1/chapter-1.mp3"])
	assert.Len(t, audio.files, 1, "no staged copy may survive promotion")
	require.Len(t, entities.statusCalls, 1)
	call := entities.statusCalls[0]
	assert.Equal(t, models.ChapterCompleted, call.status)
	require.NotNil(t, call.audioPath)
	assert.Equal(t, "book-1/chapter-1.mp3", *call.audioPath)
	require.NotNil(t, call.duration)
	assert.Equal(t, 12.5, *call.duration)
	assert.Equal(t, 1, entities.recomputes)
	assert.Equal(t, 1, speech.calls)
}

func TestPipelineSummarizeFeedsSpeech(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	sum := &fakeSummarizer{fn: func(req deps.SummarizeRequest) (deps.SummarizeResponse, error) {
		return deps.SummarizeResponse{Summary: "short version", CompressionRatio: 0.3}, nil
	}}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("mp3"), Duration: 1}, nil
	}}
	p := testPipeline(t, entities, sum, speech, newFakeAudio())

	job := testJob()
	job.Summarize = true
	require.NoError(t, p.Run(context.Background(), job, func(int) {}, never))
	assert.Equal(t, "short version", speech.last.Text)
}

func TestPipelineSummarizerFailureFallsBackToOriginalText(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	sum := &fakeSummarizer{fn: func(req deps.SummarizeRequest) (deps.SummarizeResponse, error) {
		return deps.SummarizeResponse{}, &faults.DependencyError{Dependency: "summarizer", StatusCode: 503}
	}}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("mp3"), Duration: 1}, nil
	}}
	p := testPipeline(t, entities, sum, speech, newFakeAudio())

	job := testJob()
	job.Summarize = true
	require.NoError(t, p.Run(context.Background(), job, func(int) {}, never))
	assert.Equal(t, job.Text, speech.last.Text, "summarizer outage must not block conversion")
}

func TestPipelineEmptyTextIsNoContent(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		t.Fatal("speech must not be called for empty text")
		return deps.SpeechResult{}, nil
	}}
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, newFakeAudio())

	job := testJob()
	job.Text = " \n\t "
	err := p.Run(context.Background(), job, func(int) {}, never)
	require.ErrorIs(t, err, faults.ErrNoContent)
	assert.Empty(t, entities.statusCalls)
}

func TestPipelineSpeechFailureIsTerminal(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{}, &faults.DependencyError{Dependency: "tts", StatusCode: 500, Message: "engine crash"}
	}}
	audio := newFakeAudio()
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, audio)

	err := p.Run(context.Background(), testJob(), func(int) {}, never)
	var depErr *faults.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, 2, speech.calls, "retry budget consumed before giving up")
	assert.Empty(t, audio.files)
	assert.Empty(t, entities.statusCalls, "terminal handling belongs to the processor")
}

func TestPipelineDeferSignalPropagates(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{}, errors.New("down")
	}}
	audio := newFakeAudio()

	// Trip the speech breaker open so the next run is rejected with the
	// queue strategy's defer signal.
	breakers := breaker.NewRegistry(breaker.Config{
		ThresholdPct:  50,
		Window:        time.Minute,
		Buckets:       6,
		MinRequests:   1,
		RecoveryDelay: time.Hour,
	})
	breakers.Configure(deps.NameSpeech, breaker.Config{Strategy: breaker.StrategyQueue})
	policy := retry.Policy{MaxAttempts: 1}.WithSleep(noSleep)
	p := NewPipeline(breakers, &fakeSummarizer{}, speech, entities, audio, policy, policy,
		slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	_ = p.Run(context.Background(), testJob(), func(int) {}, never)

	err := p.Run(context.Background(), testJob(), func(int) {}, never)
	require.ErrorIs(t, err, faults.ErrDeferJob)
	assert.Equal(t, 1, speech.calls, "open breaker must not touch the dependency")
}

func TestPipelineCancelBetweenStages(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		t.Fatal("speech must not run after cancellation")
		return deps.SpeechResult{}, nil
	}}
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, newFakeAudio())

	err := p.Run(context.Background(), testJob(), func(int) {}, func() bool { return true })
	require.ErrorIs(t, err, errCancelled)
}

func TestPipelineDurationFallsBackToEstimate(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("mp3")}, nil
	}}
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, newFakeAudio())

	require.NoError(t, p.Run(context.Background(), testJob(), func(int) {}, never))
	require.Len(t, entities.statusCalls, 1)
	require.NotNil(t, entities.statusCalls[0].duration)
	assert.Greater(t, *entities.statusCalls[0].duration, 0.0)
}

func TestPipelineRemovesStagedAudioWhenStatusWriteFails(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters(), statusErr: errors.New("pg down")}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("mp3"), Duration: 1}, nil
	}}
	audio := newFakeAudio()
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, audio)

	err := p.Run(context.Background(), testJob(), func(int) {}, never)
	require.Error(t, err)
	assert.Empty(t, audio.files, "orphaned staged audio must be removed")
}

func TestPipelineResubmissionKeepsPriorAudioUntilAccepted(t *testing.T) {
	dir := t.TempDir()
	audio := storage.NewLocal(dir)
	ctx := context.Background()

	// Chapter one already completed once; its audio lives at the canonical
	// path.
	staged, err := audio.Stage(ctx, "book-1", 1, "job-0", []byte("v1 audio"))
	require.NoError(t, err)
	_, err = audio.Promote(ctx, staged, "book-1", 1)
	require.NoError(t, err)

	// The re-submission synthesizes fine but its status write fails, so the
	// new result is never accepted.
	entities := &fakeEntities{chapters: testChapters(), statusErr: errors.New("pg down")}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("v2 audio"), Duration: 1}, nil
	}}
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, audio)
	require.Error(t, p.Run(ctx, testJob(), func(int) {}, never))

	data, err := os.ReadFile(filepath.Join(dir, "book-1", "chapter-1.mp3"))
	require.NoError(t, err, "prior completed audio must survive a failed re-submission")
	assert.Equal(t, []byte("v1 audio"), data)

	entries, err := os.ReadDir(filepath.Join(dir, "book-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staged leftovers")
}

func TestPipelinePromoteFailureRollsChapterBack(t *testing.T) {
	entities := &fakeEntities{chapters: testChapters()}
	speech := &fakeSpeech{fn: func(req deps.SpeechRequest) (deps.SpeechResult, error) {
		return deps.SpeechResult{Audio: []byte("mp3"), Duration: 1}, nil
	}}
	audio := newFakeAudio()
	audio.promoteErr = errors.New("copy failed")
	p := testPipeline(t, entities, &fakeSummarizer{}, speech, audio)

	err := p.Run(context.Background(), testJob(), func(int) {}, never)
	require.Error(t, err)
	require.Len(t, entities.statusCalls, 2)
	assert.Equal(t, models.ChapterCompleted, entities.statusCalls[0].status)
	last := entities.statusCalls[1]
	assert.Equal(t, models.ChapterFailed, last.status)
	assert.Nil(t, last.audioPath, "a failed chapter may not reference audio")
	assert.Empty(t, audio.files)
}
