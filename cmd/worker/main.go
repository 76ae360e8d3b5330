package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"audiobook-orchestrator/internal/breaker"
	"audiobook-orchestrator/internal/config"
	"audiobook-orchestrator/internal/deps"
	"audiobook-orchestrator/internal/queue"
	"audiobook-orchestrator/internal/retry"
	"audiobook-orchestrator/internal/storage"
	"audiobook-orchestrator/internal/store"
	"audiobook-orchestrator/internal/telemetry"
	workerproc "audiobook-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxStalled:        cfg.MaxStalledCount,
		JobTTL:            cfg.JobTTL,
		Retention:         cfg.RetentionCount,
	})

	breakers := newBreakerRegistry(cfg)
	go drainBreakerEvents(ctx, breakers, logger)

	audio, err := newAudioStore(ctx, cfg)
	if err != nil {
		logger.Error("init audio storage", "error", err)
		os.Exit(1)
	}

	summarizer := deps.NewSummarizer(cfg.SummarizerURL, rdb, cfg.SummaryCacheTTL)
	speech := deps.NewSpeech(cfg.SpeechURL)

	sumPolicy := retry.Policy{
		MaxAttempts: cfg.SummarizerAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Factor:      cfg.RetryFactor,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	speechPolicy := retry.Policy{
		MaxAttempts: cfg.SpeechAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Factor:      cfg.RetryFactor,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	pipeline := workerproc.NewPipeline(breakers, summarizer, speech, st, audio, sumPolicy, speechPolicy, logger)
	processor := workerproc.NewProcessor(cfg, q, st, pipeline, logger)

	janitor := workerproc.NewJanitor(q, st, logger)
	c := cron.New()
	if _, err := c.AddFunc(cfg.JanitorSpec, func() { janitor.Sweep(ctx) }); err != nil {
		logger.Error("janitor schedule", "spec", cfg.JanitorSpec, "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	go serveMetrics(cfg, breakers, logger)

	logger.Info("worker started",
		"concurrency", cfg.Concurrency,
		"visibility", cfg.VisibilityTimeout,
		"max_stalled", cfg.MaxStalledCount)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.Env == "dev" {
		handler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

// newBreakerRegistry applies per-dependency policy: summaries may be served
// stale from cache, synthesis outages defer jobs instead of failing chapters.
func newBreakerRegistry(cfg config.Config) *breaker.Registry {
	r := breaker.NewRegistry(breaker.Config{
		ThresholdPct:  cfg.BreakerThresholdPct,
		Window:        cfg.BreakerWindow,
		Buckets:       cfg.BreakerBuckets,
		MinRequests:   cfg.BreakerMinRequests,
		RecoveryDelay: cfg.BreakerRecoveryDelay,
	})
	r.Configure(deps.NameSummarizer, breaker.Config{
		Timeout:  cfg.SummarizerTimeout,
		Strategy: breaker.StrategyCache,
		CacheTTL: cfg.SummaryCacheTTL,
	})
	r.Configure(deps.NameSpeech, breaker.Config{
		Timeout:  cfg.SpeechTimeout,
		Strategy: breaker.StrategyQueue,
	})
	return r
}

func drainBreakerEvents(ctx context.Context, r *breaker.Registry, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.Events():
			logger.Warn("breaker state change",
				"dependency", ev.Dependency, "from", ev.From, "to", ev.To)
		}
	}
}

func newAudioStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.AudioS3Bucket != "" {
		return storage.NewS3(ctx, storage.S3Options{
			Bucket:    cfg.AudioS3Bucket,
			Region:    cfg.AudioS3Region,
			Endpoint:  cfg.AudioS3Endpoint,
			PathStyle: cfg.AudioS3PathStyle,
		})
	}
	return storage.NewLocal(cfg.AudioDir), nil
}

// serveMetrics exposes Prometheus metrics plus a JSON breaker snapshot on
// the worker's metrics address, where the live breaker state is.
func serveMetrics(cfg config.Config, breakers *breaker.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/breakers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"breakers": breakers.AllStats()})
	})
	if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
