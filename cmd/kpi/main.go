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
	"github.com/lodgeboard/kpi-engine/internal/auth"
	kpihttp "github.com/lodgeboard/kpi-engine/internal/kpi/http"
	"github.com/lodgeboard/kpi-engine/internal/observability"
	"github.com/lodgeboard/kpi-engine/internal/platform/cache"
	"github.com/lodgeboard/kpi-engine/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if err := run(); err != nil {
		slog.Default().Error("kpi api stopped", slog.Any("error", err))
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
	return serve(ctx, cfg)
}

// serve runs the API until ctx ends. Every resource it opens is released
// before it returns.
func serve(ctx context.Context, cfg *app.Config) error {
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
		Name:       "kpi-api",
		Logger:     logger,
		Registerer: metrics.Registerer(),
		Redis:      redisClient,
	})
	if err != nil {
		return fmt.Errorf("build kpi runtime: %w", err)
	}
	defer rt.Close()

	go rt.Cache.Run(ctx, cfg.CacheSweepInterval)
	if err := rt.Cache.Listen(ctx); err != nil {
		logger.Warn("cache invalidation listener", slog.Any("error", err))
	}

	asynqOpt := cfg.Redis().AsynqOpt()
	jobClient, err := jobs.NewClient(asynqOpt)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynqOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	kpiHandler := kpihttp.NewHandler(logger, rt.Service, jobClient)
	kpiHandler.WithTimeout(cfg.AppRequestTimeout)

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Verifier:   auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		KPIHandler: kpiHandler,
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
