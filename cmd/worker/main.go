package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-checkout/internal/app"
	"github.com/noah-isme/backend-checkout/internal/config"
	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/lock"
	"github.com/noah-isme/backend-checkout/internal/notify"
	"github.com/noah-isme/backend-checkout/internal/obs"
)

const sweepSchedule = "@every 1m"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap dependencies")
	}
	defer deps.Close()

	notifyStore := notify.PGStore{DB: deps.DB}
	enqueuer := notify.AsynqEnqueuer{Client: deps.TaskClient}
	dispatcher := &notify.Dispatcher{
		Store:              notifyStore,
		Events:             events.PGStore{DB: deps.DB},
		Queue:              enqueuer,
		Client:             notify.HTTPClient(cfg.WebhookRequestTimeout, cfg.WebhookAllowInsecureTLS),
		BackoffBaseSec:     cfg.WebhookBackoffBaseSec,
		DefaultMaxAttempts: cfg.WebhookDefaultMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: deps.Redis},
		ReplayTTL:          cfg.WebhookReplayTTL,
		AllowInsecureHTTP:  cfg.AppEnv != "production",
		Logger:             logger,
	}

	mux := asynq.NewServeMux()
	mux.Handle(notify.TaskDeliverWebhook, notify.DeliveryWorker{
		Dispatcher: dispatcher,
		Locker:     lock.Locker{R: deps.Redis, Prefix: "checkout:lock:", RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:    cfg.LockTTL,
		Logger:     logger,
	})
	mux.Handle(notify.TaskSweepDeliveries, notify.SweepWorker{
		Store:  notifyStore,
		Queue:  enqueuer,
		Logger: logger,
	})

	srv := asynq.NewServer(deps.TaskRedis, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{notify.DefaultQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})
	scheduler := asynq.NewScheduler(deps.TaskRedis, nil)
	if _, err := scheduler.Register(sweepSchedule, notify.NewSweepTask(), asynq.Queue(notify.DefaultQueue), asynq.MaxRetry(0)); err != nil {
		logger.Fatal().Err(err).Msg("register sweep schedule")
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}
