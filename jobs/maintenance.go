package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
)

// Expirer expires recommendations whose validity window elapsed.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// MatrixReloader re-reads the conflict matrix.
type MatrixReloader interface {
	Reload(ctx context.Context) error
}

// StaleRunSweeper fails runs abandoned in RUNNING.
type StaleRunSweeper interface {
	FailStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceJob bundles the periodic housekeeping handlers.
type MaintenanceJob struct {
	Expirer   Expirer
	Matrix    MatrixReloader
	Runs      StaleRunSweeper
	OlderThan time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewMaintenanceJob initialises the housekeeping handlers.
func NewMaintenanceJob(expirer Expirer, matrix MatrixReloader, runs StaleRunSweeper, olderThan time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *MaintenanceJob {
	return &MaintenanceJob{
		Expirer:   expirer,
		Matrix:    matrix,
		Runs:      runs,
		OlderThan: olderThan,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleExpire processes TaskExpireRecommendations.
func (j *MaintenanceJob) HandleExpire(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Expirer == nil {
		return errors.New("expire recommendations: handler not configured")
	}
	tracker := j.metrics().Track(TaskExpireRecommendations)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	n, err := j.Expirer.ExpireDue(ctx, j.now())
	if err != nil {
		j.logger(TaskExpireRecommendations).Error("expire recommendations", slog.Int("expired", n), slog.Any("error", err))
		return err
	}
	if n > 0 {
		j.logger(TaskExpireRecommendations).Info("expired recommendations", slog.Int("expired", n))
	}
	return nil
}

// HandleMatrixReload processes TaskMatrixReload.
func (j *MaintenanceJob) HandleMatrixReload(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Matrix == nil {
		return errors.New("matrix reload: handler not configured")
	}
	tracker := j.metrics().Track(TaskMatrixReload)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if err := j.Matrix.Reload(ctx); err != nil {
		j.logger(TaskMatrixReload).Error("reload conflict matrix", slog.Any("error", err))
		return err
	}
	return nil
}

// HandleRunSweep processes TaskRunSweep.
func (j *MaintenanceJob) HandleRunSweep(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Runs == nil {
		return errors.New("run sweep: handler not configured")
	}
	tracker := j.metrics().Track(TaskRunSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	n, err := j.Runs.FailStale(ctx, j.OlderThan)
	if err != nil {
		j.logger(TaskRunSweep).Error("sweep stale runs", slog.Any("error", err))
		return err
	}
	if n > 0 {
		j.logger(TaskRunSweep).Warn("failed abandoned runs", slog.Int64("runs", n))
	}
	return nil
}

func (j *MaintenanceJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *MaintenanceJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MaintenanceJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
