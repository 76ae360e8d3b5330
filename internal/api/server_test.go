package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiobook-orchestrator/internal/breaker"
	"audiobook-orchestrator/internal/config"
	"audiobook-orchestrator/internal/queue"
)

// newTestServer wires the routes that do not need Postgres; submit, job, and
// cancel paths are covered against a live database in integration runs.
func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client, queue.Options{})

	breakers := breaker.NewRegistry(breaker.Config{
		ThresholdPct: 50, Window: time.Minute, Buckets: 6, MinRequests: 1, RecoveryDelay: time.Minute,
	})
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	return New(config.Config{}, nil, q, breakers, nil, logger), q
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestQueueStatsEndpoint(t *testing.T) {
	s, q := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	require.NoError(t, q.Enqueue(ctx, "job-2", 0))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Active)
}

func TestBreakerStatsAndReset(t *testing.T) {
	s, _ := newTestServer(t)

	// Trip a breaker so it shows up in stats.
	_, err := s.breakers.Execute(context.Background(), "tts", func(ctx context.Context) (any, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Breakers []breaker.Stats `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Breakers, 1)
	assert.Equal(t, "tts", payload.Breakers[0].Dependency)
	assert.Equal(t, breaker.Open, payload.Breakers[0].State)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breakers/tts/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breakers/unknown/reset", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing ids", `{"text":"hi"}`},
		{"missing text", `{"chapter_id":"c","book_id":"b"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/conversions", bytes.NewReader([]byte(tc.body)))
			s.Router().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
