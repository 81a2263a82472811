package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lodgeboard/kpi-engine/internal/app"
	jobmetrics "github.com/lodgeboard/kpi-engine/internal/jobs"
	"github.com/lodgeboard/kpi-engine/internal/observability"
	"github.com/lodgeboard/kpi-engine/internal/platform/cache"
	"github.com/lodgeboard/kpi-engine/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	if err := run(); err != nil {
		slog.Default().Error("kpi worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return work(ctx, cfg)
}

// work runs the queue worker and its cron schedule until ctx ends.
func work(ctx context.Context, cfg *app.Config) error {
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	var redisClient *redis.Client
	if cfg.RedisCacheEnabled {
		var err error
		redisClient, err = cache.New(ctx, cfg.Redis())
		if err != nil {
			logger.Warn("redis unavailable, shared cache disabled", slog.Any("error", err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}

	rt, err := app.BuildRuntime(ctx, cfg, app.RuntimeOptions{
		Name:       "kpi-worker",
		Logger:     logger,
		Registerer: metrics.Registerer(),
		Redis:      redisClient,
	})
	if err != nil {
		return fmt.Errorf("build kpi runtime: %w", err)
	}
	defer rt.Close()
	go rt.Cache.Run(ctx, cfg.CacheSweepInterval)

	refreshJob := jobs.NewKPIRefreshJob(rt.Service, logger, jobmetrics.NewMetrics(metrics.Registerer()))
	refreshJob.Concurrency = cfg.KPIConcurrency

	periods, err := cfg.RefreshPeriods()
	if err != nil {
		return fmt.Errorf("refresh periods: %w", err)
	}
	refreshTask, err := jobs.NewKPIRefreshTask(jobs.KPIRefreshPayload{Periods: periods})
	if err != nil {
		return fmt.Errorf("build refresh task: %w", err)
	}

	var schedule []jobs.CronRegistration
	if cfg.KPIRefreshCron != "" {
		schedule = append(schedule, jobs.CronRegistration{
			Spec:    cfg.KPIRefreshCron,
			Task:    refreshTask,
			Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskKPIRefresh, Handler: refreshJob.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker run: %w", err)
	}
	return nil
}
