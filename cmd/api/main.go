package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"audiobook-orchestrator/internal/api"
	"audiobook-orchestrator/internal/breaker"
	"audiobook-orchestrator/internal/config"
	"audiobook-orchestrator/internal/queue"
	"audiobook-orchestrator/internal/ratelimit"
	"audiobook-orchestrator/internal/store"
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

	breakers := breaker.NewRegistry(breaker.Config{
		ThresholdPct:  cfg.BreakerThresholdPct,
		Window:        cfg.BreakerWindow,
		Buckets:       cfg.BreakerBuckets,
		MinRequests:   cfg.BreakerMinRequests,
		RecoveryDelay: cfg.BreakerRecoveryDelay,
	})

	limiter := ratelimit.NewSubmissionLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	srv := api.New(cfg, st, q, breakers, limiter, logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", "port", cfg.HTTPPort)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
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
