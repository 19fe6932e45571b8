package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/festivo/webhook-engine/internal/backoff"
	"github.com/festivo/webhook-engine/internal/config"
	"github.com/festivo/webhook-engine/internal/database"
	"github.com/festivo/webhook-engine/internal/dispatch"
	"github.com/festivo/webhook-engine/internal/queue"
	"github.com/festivo/webhook-engine/internal/sender"
	"github.com/festivo/webhook-engine/internal/store"
	"github.com/festivo/webhook-engine/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	s := store.New(pool)
	q := queue.NewRedisQueue(rdb)
	snd := sender.New(cfg.AllowInsecureTargets)
	dispatcher := dispatch.New(s.Webhooks, s.Deliveries, q, snd, dispatch.Options{
		APIVersion:     cfg.APIVersion,
		DefaultTimeout: cfg.DeliveryTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		Policy: backoff.Policy{
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
			Multiplier: cfg.RetryMultiplier,
			Jitter:     0.1,
		},
	})

	w := worker.New(q, dispatcher, cfg.WorkerConcurrency, cfg.PromoteInterval)
	if err := w.Start(ctx); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	slog.Info("delivery worker started", "concurrency", cfg.WorkerConcurrency)

	// Periodic sweeps: the delayed task is the latency path, these are the
	// correctness backstop. Cleanup runs nightly.
	sweepEvery := "@every " + cfg.PollInterval.String()
	c := cron.New()
	c.AddFunc(sweepEvery, func() {
		dispatcher.ProcessPendingDeliveries(ctx, cfg.SweepLimit)
	})
	c.AddFunc(sweepEvery, func() {
		dispatcher.ProcessRetryDeliveries(ctx, cfg.SweepLimit)
	})
	c.AddFunc("0 3 * * *", func() {
		if _, err := dispatcher.CleanupOldDeliveries(ctx, cfg.RetentionDays); err != nil {
			slog.Error("cleanup failed", "error", err)
		}
	})
	c.Start()
	defer c.Stop()
	slog.Info("sweeps scheduled", "interval", cfg.PollInterval, "retention_days", cfg.RetentionDays)

	// Minimal health endpoint for k8s liveness probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	healthSrv := &http.Server{
		Addr:    ":8081",
		Handler: healthMux,
	}

	go func() {
		slog.Info("worker health server listening", "port", "8081")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	slog.Info("worker stopped")
}
