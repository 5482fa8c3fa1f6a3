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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/access-advisor/internal/app"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
	"github.com/odyssey-erp/access-advisor/internal/observability"
	"github.com/odyssey-erp/access-advisor/internal/platform/cache"
	"github.com/odyssey-erp/access-advisor/internal/platform/db"
	"github.com/odyssey-erp/access-advisor/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.Postgres("advisor-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	services, err := app.BuildServices(ctx, cfg, pool, redisClient, logger, jobMetrics)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := conflict.Watch(ctx, redisClient, services.Matrix, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("conflict matrix watch stopped", slog.Any("error", err))
		}
	}()

	// Runs left RUNNING by a previous worker are failed before new ones start.
	if n, err := services.Engine.FailStale(ctx, cfg.BatchTimeout); err != nil {
		logger.Warn("sweep stale runs", slog.Any("error", err))
	} else if n > 0 {
		logger.Warn("failed abandoned runs", slog.Int64("runs", n))
	}

	analysisJob := jobs.NewAnalysisJob(services.Engine, logger, jobMetrics)
	maintenanceJob := jobs.NewMaintenanceJob(services.Recommendations, services.Matrix, services.Engine, cfg.BatchTimeout, logger, jobMetrics)

	batchTask, err := jobs.NewBatchAnalysisTask(cfg.OrgID, nil)
	if err != nil {
		logger.Error("build batch task", slog.Any("error", err))
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().Asynq(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBatchAnalysis, Handler: analysisJob.HandleBatch},
			{Type: jobs.TaskUserAnalysis, Handler: analysisJob.HandleUser},
			{Type: jobs.TaskExpireRecommendations, Handler: maintenanceJob.HandleExpire},
			{Type: jobs.TaskMatrixReload, Handler: maintenanceJob.HandleMatrixReload},
			{Type: jobs.TaskRunSweep, Handler: maintenanceJob.HandleRunSweep},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BatchCron, Task: batchTask, Options: jobs.BatchOptions(cfg.BatchTimeout)},
			{Spec: cfg.ExpireCron, Task: jobs.NewExpireRecommendationsTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.SweepCron, Task: jobs.NewRunSweepTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.MatrixReloadCron, Task: jobs.NewMatrixReloadTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
