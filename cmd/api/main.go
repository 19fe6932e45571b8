package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/festivo/webhook-engine/internal/backoff"
	"github.com/festivo/webhook-engine/internal/config"
	"github.com/festivo/webhook-engine/internal/database"
	"github.com/festivo/webhook-engine/internal/dispatch"
	"github.com/festivo/webhook-engine/internal/handler"
	"github.com/festivo/webhook-engine/internal/queue"
	"github.com/festivo/webhook-engine/internal/sender"
	"github.com/festivo/webhook-engine/internal/store"
	"github.com/festivo/webhook-engine/internal/worker"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the delivery worker in-process")
	flag.Parse()

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

	webhookH := handler.NewWebhookHandler(s, dispatcher, snd)
	deliveryH := handler.NewDeliveryHandler(s, dispatcher)
	eventH := handler.NewEventHandler(dispatcher)

	r := gin.Default()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	// Producer ingest for out-of-process domain services
	r.POST("/internal/events", eventH.Dispatch)

	api := r.Group("/api")
	{
		webhooks := api.Group("/webhooks")
		{
			webhooks.GET("", webhookH.List)
			webhooks.POST("", webhookH.Create)
			webhooks.GET("/:id", webhookH.Get)
			webhooks.PATCH("/:id", webhookH.Update)
			webhooks.DELETE("/:id", webhookH.Delete)
			webhooks.POST("/:id/secret", webhookH.RegenerateSecret)
			webhooks.POST("/:id/test", webhookH.Test)
			webhooks.GET("/:id/stats", webhookH.Stats)
		}
		deliveries := api.Group("/deliveries")
		{
			deliveries.GET("", deliveryH.List)
			deliveries.GET("/:id", deliveryH.Get)
			deliveries.GET("/:id/attempts", deliveryH.ListAttempts)
			deliveries.POST("/:id/retry", deliveryH.Retry)
		}
		api.GET("/stats", deliveryH.Stats)
	}

	// Optionally run the delivery worker in-process for local development
	if *withWorker {
		w := worker.New(q, dispatcher, cfg.WorkerConcurrency, cfg.PromoteInterval)
		if err := w.Start(ctx); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
		slog.Info("delivery worker started", "concurrency", cfg.WorkerConcurrency)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("api server stopped")
}
