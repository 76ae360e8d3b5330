package deps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"audiobook-orchestrator/internal/faults"
)

// SpeechRequest is the wire request for the speech-synthesis service.
type SpeechRequest struct {
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	Model     string `json:"model"`
	ChapterID string `json:"chapterId"`
	BookID    string `json:"bookId"`
}

// SpeechResult carries the synthesized audio stream. Duration is zero when
// the service omits the X-Audio-Duration header.
type SpeechResult struct {
	Audio    []byte
	Duration float64
}

// maxAudioBytes caps a single synthesized chapter download.
const maxAudioBytes = 256 * 1024 * 1024

// Speech calls the external text-to-speech service. Synthesis is expensive;
// the retry budget above this caller is deliberately tight.
type Speech struct {
	baseURL string
	client  *http.Client
}

func NewSpeech(baseURL string) *Speech {
	return &Speech{baseURL: baseURL, client: newHTTPClient()}
}

// Synthesize performs one call and reads the full audio stream.
func (s *Speech) Synthesize(ctx context.Context, req SpeechRequest) (SpeechResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("marshal speech request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return SpeechResult{}, fmt.Errorf("build speech request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		err = classify(NameSpeech, err)
		observe(NameSpeech, start, err)
		return SpeechResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = &faults.DependencyError{Dependency: NameSpeech, StatusCode: resp.StatusCode, Message: string(msg)}
		observe(NameSpeech, start, err)
		return SpeechResult{}, err
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		err = classify(NameSpeech, err)
		observe(NameSpeech, start, err)
		return SpeechResult{}, err
	}
	observe(NameSpeech, start, nil)

	var duration float64
	if h := resp.Header.Get("X-Audio-Duration"); h != "" {
		if d, err := strconv.ParseFloat(h, 64); err == nil {
			duration = d
		}
	}
	return SpeechResult{Audio: audio, Duration: duration}, nil
}
