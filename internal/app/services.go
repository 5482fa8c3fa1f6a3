package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/access-advisor/internal/algorithms"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/engine"
	"github.com/odyssey-erp/access-advisor/internal/ingest"
	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
	"github.com/odyssey-erp/access-advisor/internal/pricing"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
	"github.com/odyssey-erp/access-advisor/internal/scoring"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Services are the domain components shared by the API and the worker.
type Services struct {
	Matrix          *conflict.Store
	Recommendations *recommendations.Service
	Engine          *engine.Service
}

// BuildServices loads the file-based configuration and wires the engine and
// the lifecycle manager onto Postgres and Redis.
func BuildServices(ctx context.Context, cfg *Config, pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) (*Services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	table, err := pricing.Load(cfg.PricingPath)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	scoringCfg, err := scoring.LoadConfig(cfg.AlgorithmConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load algorithm config: %w", err)
	}
	registry := algorithms.Default()
	scorer, err := scoring.NewScorer(scoringCfg, table, registry)
	if err != nil {
		return nil, fmt.Errorf("algorithm config: %w", err)
	}

	matrix := conflict.NewStore(
		conflict.FileSource(cfg.ConflictMatrixPath),
		conflict.NewRedisOverrides(rdb, cfg.OrgID),
		logger,
	)
	if err := matrix.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load conflict matrix: %w", err)
	}

	recService := recommendations.NewService(recommendations.NewRepository(pool), recommendations.Options{
		TTL:                    cfg.RecommendationTTL,
		FastRestoreTimeout:     cfg.FastRestoreTimeout,
		StandardRestoreTimeout: cfg.StandardRestoreTimeout,
		PriorStateTTL:          cfg.PriorStateTTL,
	}, logger)
	recService.WithRollback(
		shared.NewLocker(rdb),
		recommendations.NewRedisPriorStateCache(rdb),
		recommendations.NewProvisioningClient(cfg.ProvisioningURL),
	)

	engineService := engine.NewService(engine.Dependencies{
		Source:   ingest.NewSource(pool, cfg.FeedMaxAge),
		Runs:     engine.NewRunStore(pool),
		Matrices: matrix,
		Registry: registry,
		Scorer:   scorer,
		Sink:     recService,
		Metrics:  metrics,
	}, engine.Options{
		WindowDays:          cfg.AnalysisWindowDays,
		BatchTimeout:        cfg.BatchTimeout,
		OnDemandTimeout:     cfg.OnDemandTimeout,
		BatchConcurrency:    cfg.BatchConcurrency,
		OnDemandConcurrency: cfg.OnDemandConcurrency,
		UserConcurrency:     cfg.UserConcurrency,
		BusinessHoursStart:  cfg.BusinessHoursStart,
		BusinessHoursEnd:    cfg.BusinessHoursEnd,
		Location:            loc,
	}, logger)

	return &Services{Matrix: matrix, Recommendations: recService, Engine: engineService}, nil
}
