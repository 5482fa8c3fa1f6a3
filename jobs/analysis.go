package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/access-advisor/internal/engine"
	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Analyzer is the slice of the engine the analysis jobs drive.
type Analyzer interface {
	RunBatch(ctx context.Context, req engine.BatchRequest) (engine.Report, error)
	AnalyzeUser(ctx context.Context, orgID, userID string) (engine.Report, error)
}

// AnalysisJob runs batch and on-demand analysis tasks.
type AnalysisJob struct {
	Engine  Analyzer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAnalysisJob initialises the analysis handlers.
func NewAnalysisJob(analyzer Analyzer, logger *slog.Logger, metrics *jobmetrics.Metrics) *AnalysisJob {
	return &AnalysisJob{Engine: analyzer, Logger: logger, Metrics: metrics}
}

// HandleBatch processes TaskBatchAnalysis.
func (j *AnalysisJob) HandleBatch(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Engine == nil {
		return errors.New("batch analysis: handler not configured")
	}
	var payload BatchAnalysisPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("batch analysis: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskBatchAnalysis)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	req := engine.BatchRequest{OrgID: payload.OrgID}
	if payload.AsOf != nil {
		req.AsOf = *payload.AsOf
	}
	logger := j.logger(TaskBatchAnalysis).With(slog.String("org_id", payload.OrgID))
	logger.Info("starting batch analysis")
	start := time.Now()

	report, err := j.Engine.RunBatch(ctx, req)
	if err != nil {
		logger.Error("batch analysis failed", slog.Any("error", err))
		return nonRetryable(err)
	}
	logReport(logger, report, time.Since(start))
	return nil
}

// HandleUser processes TaskUserAnalysis.
func (j *AnalysisJob) HandleUser(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Engine == nil {
		return errors.New("user analysis: handler not configured")
	}
	var payload UserAnalysisPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("user analysis: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskUserAnalysis)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskUserAnalysis).With(slog.String("org_id", payload.OrgID), slog.String("user_id", payload.UserID))
	start := time.Now()
	report, err := j.Engine.AnalyzeUser(ctx, payload.OrgID, payload.UserID)
	if err != nil {
		logger.Error("user analysis failed", slog.Any("error", err))
		return nonRetryable(err)
	}
	logReport(logger, report, time.Since(start))
	return nil
}

func logReport(logger *slog.Logger, report engine.Report, took time.Duration) {
	attrs := []any{
		slog.String("data_version", report.DataVersion),
		slog.String("matrix_version", report.MatrixVersion),
		slog.Int("users", report.Stats.Users),
		slog.Int("dropped_rows", report.Stats.DroppedTotal()),
		slog.Int("runs", len(report.Runs)),
		slog.Int("failed_runs", report.Failed()),
		slog.Int("findings", report.Findings),
		slog.Int("created", len(report.Recommendations)),
		slog.Int("superseded", report.Superseded),
		slog.Int("discarded", report.Discarded),
		slog.Duration("duration", took),
	}
	if report.Failed() > 0 {
		logger.Warn("analysis completed with failed runs", attrs...)
		return
	}
	logger.Info("analysis completed", attrs...)
}

// nonRetryable wraps errors that a retry cannot fix with asynq.SkipRetry.
func nonRetryable(err error) error {
	switch {
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrInsufficientData),
		errors.Is(err, shared.ErrConfiguration):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func (j *AnalysisJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *AnalysisJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
