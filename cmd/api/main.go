package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/evalpoint/webhook-notify/internal/cache"
	"github.com/evalpoint/webhook-notify/internal/config"
	"github.com/evalpoint/webhook-notify/internal/database"
	"github.com/evalpoint/webhook-notify/internal/delivery"
	"github.com/evalpoint/webhook-notify/internal/dispatch"
	"github.com/evalpoint/webhook-notify/internal/handler"
	"github.com/evalpoint/webhook-notify/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Connect to Redis (active-webhook cache)
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

	// Wire the delivery pipeline
	s := store.New(pool, cfg.HistoryLimit)
	webhookCache := cache.NewActiveWebhooks(rdb, s.Webhooks, cfg.WebhookCacheTTL, nil)
	engine := delivery.NewEngine(cfg.DeliveryTimeout)
	recorder := delivery.NewRecorder(s.Webhooks, webhookCache, nil)
	dispatcher := dispatch.New(webhookCache, engine, recorder, nil)

	webhookH := handler.NewWebhookHandler(s, engine, recorder, webhookCache,
		cfg.DefaultRetryCount, int(cfg.DefaultRetryDelay.Milliseconds()))
	runH := handler.NewRunHandler(dispatcher)

	// Routes
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	api := r.Group("/api")
	{
		webhooks := api.Group("/projects/:projectID/webhooks")
		{
			webhooks.POST("", webhookH.Create)
			webhooks.GET("", webhookH.List)
			webhooks.GET("/:id", webhookH.Get)
			webhooks.PATCH("/:id", webhookH.Update)
			webhooks.DELETE("/:id", webhookH.Delete)
			webhooks.POST("/:id/activate", webhookH.Activate)
			webhooks.POST("/:id/deactivate", webhookH.Deactivate)
			webhooks.GET("/:id/deliveries", webhookH.ListDeliveries)
			webhooks.POST("/:id/test", webhookH.Test)
		}
	}

	// Called by the test-execution engine when a run finishes
	r.POST("/internal/runs/completed", runH.Completed)

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
