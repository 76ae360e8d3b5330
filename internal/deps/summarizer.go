package deps

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"audiobook-orchestrator/internal/faults"
	"audiobook-orchestrator/internal/telemetry"
)

// SummarizeRequest is the wire request for the summarizer service.
type SummarizeRequest struct {
	Text        string `json:"text"`
	Style       string `json:"style"`
	MaxLength   int    `json:"maxLength"`
	ContentType string `json:"contentType"`
}

// SummarizeResponse is the summarizer's reply.
type SummarizeResponse struct {
	Summary          string  `json:"summary"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// Summarizer calls the external summarization service, consulting a Redis
// response cache first. Cache failures never fail a call.
type Summarizer struct {
	baseURL string
	client  *http.Client
	cache   *redis.Client
	ttl     time.Duration
}

// NewSummarizer builds the caller. cache may be nil to disable caching.
func NewSummarizer(baseURL string, cache *redis.Client, cacheTTL time.Duration) *Summarizer {
	return &Summarizer{
		baseURL: baseURL,
		client:  newHTTPClient(),
		cache:   cache,
		ttl:     cacheTTL,
	}
}

// CacheKey derives the response-cache key for a request. Also used by the
// worker as the breaker snapshot key.
func (s *Summarizer) CacheKey(req SummarizeRequest) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", req.Text, req.Style, req.MaxLength)))
	return fmt.Sprintf("sum:%x", sum)
}

// Summarize performs one call. Errors are classified into the shared
// taxonomy for the retry predicate.
func (s *Summarizer) Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResponse, error) {
	key := s.CacheKey(req)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key).Bytes(); err == nil {
			var cached SummarizeResponse
			if json.Unmarshal(raw, &cached) == nil {
				telemetry.SummaryCacheHits.Inc()
				return cached, nil
			}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SummarizeResponse{}, fmt.Errorf("marshal summarize request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/summarize", bytes.NewReader(body))
	if err != nil {
		return SummarizeResponse{}, fmt.Errorf("build summarize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		err = classify(NameSummarizer, err)
		observe(NameSummarizer, start, err)
		return SummarizeResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = &faults.DependencyError{Dependency: NameSummarizer, StatusCode: resp.StatusCode, Message: string(msg)}
		observe(NameSummarizer, start, err)
		return SummarizeResponse{}, err
	}

	var out SummarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = &faults.DependencyError{Dependency: NameSummarizer, StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
		observe(NameSummarizer, start, err)
		return SummarizeResponse{}, err
	}
	observe(NameSummarizer, start, nil)

	if s.cache != nil && s.ttl > 0 {
		if raw, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.ttl).Err()
		}
	}
	return out, nil
}
