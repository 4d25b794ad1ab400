package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sendhub/internal/batch"
	"sendhub/internal/breaker"
	"sendhub/internal/config"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/httpclient"
	"sendhub/internal/modules"
	"sendhub/internal/observability"
	"sendhub/internal/orchestrator"
	"sendhub/internal/persistence"
	"sendhub/internal/ratelimit"
	"sendhub/internal/scheduler"
	"sendhub/internal/syncer"

	natsq "sendhub/internal/queue/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := observability.GetLogger(cfg.LogLevel)
	defer logger.Sync()

	shutdownOtel, err := observability.SetupOpenTelemetry("sendhub-worker", logger)
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

	httpClient := httpclient.New(logger, cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerReset)
	registry := modules.NewRegistry()
	registry.Register(modules.NewEmailModule(logger, nil))
	registry.Register(modules.NewSMSModule(logger, nil))
	registry.Register(modules.NewWebhookModule(logger, httpClient))

	sink := events.NewNATSSink(queue.Conn().Publish, cfg.AnalyticsSubject)
	eventLogger := events.NewLogger(cfg.EventBufferCapacity, cfg.EventFlushInterval, sink, logger)

	rates := ratelimit.Rates{
		System: float64(cfg.SystemRPS),
		Managed: map[string]float64{
			"ses":    float64(cfg.ManagedSESRPS),
			"resend": float64(cfg.ManagedResendRPS),
			"telnyx": float64(cfg.ManagedTelnyxRPS),
		},
	}

	chunkProcessor := orchestrator.NewChunkProcessor(
		orchestrator.ChunkProcessorConfig{
			MaxRedeliveries: cfg.ChunkMaxRedeliveries,
			AcquireTimeout:  cfg.WorkerAcquireTimeout,
			Rates:           rates,
		},
		store, hot, limiter, registry, eventLogger, logger,
	)

	var wg sync.WaitGroup

	var tenantConsumers *orchestrator.TenantConsumers
	tenantConsumers = orchestrator.NewTenantConsumers(logger,
		func(ctx context.Context, tenantID string) (func(), error) {
			consumer, err := queue.NewConsumer(
				natsq.StreamChunks,
				natsq.ChunkSubject(tenantID),
				natsq.TenantDurable(tenantID),
				cfg.MaxConcurrentChunks,
			)
			if err != nil {
				return nil, err
			}

			runCtx, stopRun := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				tenantConsumers.Supervise(tenantID, func() {
					consumer.Run(runCtx, chunkProcessor.Handle)
				})
			}()

			stop := func() {
				stopRun()
				<-done
			}
			return stop, nil
		})

	batchOrchestrator := orchestrator.NewBatchOrchestrator(
		orchestrator.BatchOrchestratorConfig{
			RecipientPageSize:   cfg.RecipientPageSize,
			DefaultEmailService: cfg.DefaultEmailService,
		},
		store, hot, queue, tenantConsumers, eventLogger, logger,
	)

	batchConsumer, err := queue.NewConsumer(
		natsq.StreamBatches, natsq.SubjectBatches, "batch-workers", cfg.ConcurrentBatches)
	if err != nil {
		logger.Fatal("failed to create batch consumer", zap.Error(err))
	}

	sched := scheduler.New(
		scheduler.Config{
			Interval:       cfg.SchedulerInterval,
			StuckThreshold: cfg.StuckThreshold,
		},
		store, hot, queue, eventLogger, logger,
	)

	stateSyncer := syncer.New(hot, store, cfg.SyncInterval, logger)

	wg.Add(4)
	go func() { defer wg.Done(); batchConsumer.Run(ctx, batchOrchestrator.Handle) }()
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); stateSyncer.Run(ctx) }()
	go func() { defer wg.Done(); eventLogger.Run(ctx) }()

	logger.Info("worker running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker")

	// Force exit if the drain wedges on a stuck handler.
	watchdog := time.AfterFunc(cfg.ShutdownTimeout, func() {
		logger.Error("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	})
	defer watchdog.Stop()

	// Stop intake first so in-flight work can finish, then drain the
	// tenant consumers, then let the syncer's final sweep persist state.
	cancel()
	tenantConsumers.StopAll()
	wg.Wait()

	if err := queue.Drain(); err != nil {
		logger.Error("failed to drain nats connection", zap.Error(err))
	}
	logger.Info("worker stopped")
}
