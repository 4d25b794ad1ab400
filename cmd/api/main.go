package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sendhub/internal/api"
	"sendhub/internal/auth"
	"sendhub/internal/batch"
	"sendhub/internal/breaker"
	"sendhub/internal/config"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/httpclient"
	"sendhub/internal/modules"
	"sendhub/internal/observability"
	"sendhub/internal/persistence"
	"sendhub/internal/providerevents"
	"sendhub/internal/ratelimit"

	natsq "sendhub/internal/queue/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := observability.GetLogger(cfg.LogLevel)
	defer logger.Sync()

	shutdownOtel, err := observability.SetupOpenTelemetry("sendhub-api", logger)
	if err != nil {
		logger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdownOtel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := persistence.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations("migrations"); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb, err := persistence.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	queue, err := natsq.NewQueue(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer queue.Close()

	if err := queue.EnsureStreams(); err != nil {
		logger.Fatal("failed to ensure streams", zap.Error(err))
	}

	hotBreaker := breaker.New("hotstate", cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerReset)
	hot := hotstate.NewStore(rdb, logger, hotBreaker, cfg.ActiveBatchTTL, cfg.CompletedBatchTTL)

	limiter := ratelimit.NewLimiter(rdb, logger)
	store := batch.NewStore(db, logger)
	authService := auth.NewService(db, logger)

	httpClient := httpclient.New(logger, cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerReset)
	registry := modules.NewRegistry()
	registry.Register(modules.NewEmailModule(logger, nil))
	registry.Register(modules.NewSMSModule(logger, nil))
	registry.Register(modules.NewWebhookModule(logger, httpClient))

	sink := events.NewNATSSink(queue.Conn().Publish, cfg.AnalyticsSubject)
	eventLogger := events.NewLogger(cfg.EventBufferCapacity, cfg.EventFlushInterval, sink, logger)
	go eventLogger.Run(ctx)

	dedup := providerevents.NewDeduplicator(rdb, cfg.WebhookDedupWindow)

	handlers := api.NewHandlers(cfg, store, hot, queue, registry, dedup, eventLogger, logger)

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		BodyLimit:             int(cfg.MaxRequestSizeBytes),
		DisableStartupMessage: true,
	})

	api.SetupRoutes(app, cfg, logger, handlers, authService, limiter)

	go func() {
		logger.Info("api listening", zap.String("port", cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down api")
	cancel()

	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// Give the event logger a beat to run its final flush.
	time.Sleep(100 * time.Millisecond)
	logger.Info("api stopped")
}
