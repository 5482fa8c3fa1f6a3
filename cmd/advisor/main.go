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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/access-advisor/cmd/advisor/cli"
	"github.com/odyssey-erp/access-advisor/internal/app"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
	"github.com/odyssey-erp/access-advisor/internal/observability"
	"github.com/odyssey-erp/access-advisor/internal/platform/cache"
	"github.com/odyssey-erp/access-advisor/internal/platform/db"
	recommendationshttp "github.com/odyssey-erp/access-advisor/internal/recommendations/http"
	"github.com/odyssey-erp/access-advisor/jobs"
)

const usage = `usage: advisor [command]

commands:
  serve                 run the HTTP API (default)
  migrate [up|down|status|version]
                        apply database migrations
  enqueue <job> [args]  enqueue batch | user <id> | expire | reload | sweep
  queues                print queue statistics`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "migrate":
		direction := "up"
		if len(args) > 0 {
			direction = args[0]
		}
		err = db.Migrate(ctx, cfg.PGDSN, direction, logger)
	case "enqueue":
		err = enqueue(ctx, cfg, args)
	case "queues":
		err = queues(ctx, cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.Postgres("advisor-api"))
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, pool, redisClient, logger, jobmetrics.NewMetrics(metrics.Registerer()))
	if err != nil {
		return err
	}
	go func() {
		if err := conflict.Watch(ctx, redisClient, services.Matrix, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("conflict matrix watch stopped", slog.Any("error", err))
		}
	}()

	redisOpts := cfg.Redis().Asynq()
	jobClient, err := jobs.NewClient(redisOpts, cfg.BatchTimeout, cfg.OnDemandTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	api := recommendationshttp.NewHandler(
		logger,
		services.Recommendations,
		services.Engine,
		services.Matrix,
		jobClient,
		recommendationshttp.NewAuthenticator(cfg.JWTSecret),
		cfg.OrgID,
	)

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		API:     api,
		Jobs:    jobs.NewHandler(inspector, logger),
		Metrics: metrics,
		Ready:   readiness(pool, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func readiness(pool *pgxpool.Pool, client *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}

func enqueue(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.Redis().Asynq(), cfg.OrgID, cfg.BatchTimeout)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	info, err := jobsCLI.Trigger(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s on %s: %s\n", info.Type, info.Queue, info.ID)
	return nil
}

func queues(ctx context.Context, cfg *app.Config) error {
	jobsCLI, err := cli.NewJobsCLI(cfg.Redis().Asynq(), cfg.OrgID, cfg.BatchTimeout)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	stats, err := jobsCLI.InspectQueues(ctx)
	if err != nil {
		return err
	}
	for _, s := range stats {
		fmt.Printf("%-10s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
	}
	return nil
}
