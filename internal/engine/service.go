package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/odyssey-erp/access-advisor/internal/algorithms"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
	"github.com/odyssey-erp/access-advisor/internal/scoring"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Source loads the raw upstream feeds of an organisation.
type Source interface {
	Load(ctx context.Context, orgID string) (normalize.RawBatch, error)
	LoadUser(ctx context.Context, orgID, userID string) (normalize.RawBatch, error)
}

// Sink receives scored, deduplicated recommendations.
type Sink interface {
	Create(ctx context.Context, recs []recommendations.Recommendation) (recommendations.CreateResult, error)
}

// MatrixProvider exposes the conflict matrix currently in force.
type MatrixProvider interface {
	Current() *conflict.Matrix
}

// Options tunes windowing, budgets and parallelism.
type Options struct {
	WindowDays          int
	BatchTimeout        time.Duration
	OnDemandTimeout     time.Duration
	BatchConcurrency    int
	OnDemandConcurrency int
	UserConcurrency     int
	BusinessHoursStart  int
	BusinessHoursEnd    int
	Location            *time.Location
}

func (o Options) withDefaults() Options {
	if o.WindowDays <= 0 {
		o.WindowDays = 90
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 2 * time.Hour
	}
	if o.OnDemandTimeout <= 0 {
		o.OnDemandTimeout = 2 * time.Minute
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 4
	}
	if o.OnDemandConcurrency <= 0 {
		o.OnDemandConcurrency = 2
	}
	if o.UserConcurrency <= 0 {
		o.UserConcurrency = 16
	}
	return o
}

// Dependencies groups the collaborators of the runner.
type Dependencies struct {
	Source   Source
	Runs     RunStore
	Matrices MatrixProvider
	Registry *algorithms.Registry
	Scorer   *scoring.Scorer
	Sink     Sink
	Metrics  *jobmetrics.Metrics
}

// Service orchestrates algorithm runs.
type Service struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the runner.
func NewService(deps Dependencies, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, opts: opts.withDefaults(), logger: logger, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RunBatch scans every user of an organisation with every enabled algorithm.
func (s *Service) RunBatch(ctx context.Context, req BatchRequest) (Report, error) {
	if strings.TrimSpace(req.OrgID) == "" {
		return Report{}, shared.ValidationError("org id is required")
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	runCtx, cancel := context.WithTimeout(ctx, s.opts.BatchTimeout)
	defer cancel()

	raw, err := s.deps.Source.Load(runCtx, req.OrgID)
	if err != nil {
		return Report{}, fmt.Errorf("engine: load feeds for %s: %w", req.OrgID, err)
	}
	fs, stats := s.normalize(raw, asOf)
	return s.execute(ctx, runCtx, plan{
		trigger:     TriggerBatch,
		features:    fs,
		stats:       stats,
		users:       fs.Users,
		concurrency: s.opts.BatchConcurrency,
	})
}

// AnalyzeUser runs every enabled algorithm for a single user.
func (s *Service) AnalyzeUser(ctx context.Context, orgID, userID string) (Report, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(userID) == "" {
		return Report{}, shared.ValidationError("org id and user id are required")
	}
	runCtx, cancel := context.WithTimeout(ctx, s.opts.OnDemandTimeout)
	defer cancel()

	raw, err := s.deps.Source.LoadUser(runCtx, orgID, userID)
	if err != nil {
		return Report{}, fmt.Errorf("engine: load feeds for %s/%s: %w", orgID, userID, err)
	}
	fs, stats := s.normalize(raw, s.now())
	f, ok := fs.Get(userID)
	if !ok {
		return Report{}, fmt.Errorf("engine: user %s: %w", userID, shared.ErrNotFound)
	}
	return s.execute(ctx, runCtx, plan{
		trigger:     TriggerOnDemand,
		features:    fs.Only(userID),
		stats:       stats,
		users:       []normalize.Features{f},
		concurrency: s.opts.OnDemandConcurrency,
	})
}

// Runs lists persisted algorithm runs.
func (s *Service) Runs(ctx context.Context, filter RunFilter) ([]AlgorithmRun, error) {
	return s.deps.Runs.List(ctx, filter)
}

// FailStale marks runs left RUNNING by a crashed worker as FAILED.
func (s *Service) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.opts.BatchTimeout
	}
	return s.deps.Runs.FailStale(ctx, s.now().Add(-olderThan), "abandoned: worker stopped before completion")
}

type plan struct {
	trigger     Trigger
	features    normalize.FeatureSet
	stats       normalize.Stats
	users       []normalize.Features
	concurrency int
}

type runOutput struct {
	run       AlgorithmRun
	recs      []recommendations.Recommendation
	discarded int
}

func (s *Service) normalize(raw normalize.RawBatch, asOf time.Time) (normalize.FeatureSet, normalize.Stats) {
	return normalize.Normalize(raw, normalize.Options{
		WindowDays:         s.opts.WindowDays,
		AsOf:               asOf.UTC(),
		BusinessHoursStart: s.opts.BusinessHoursStart,
		BusinessHoursEnd:   s.opts.BusinessHoursEnd,
		Location:           s.opts.Location,
	})
}

// execute runs the enabled algorithms under runCtx and persists the
// recommendations of completed runs under ctx.
func (s *Service) execute(ctx, runCtx context.Context, p plan) (Report, error) {
	fs := p.features
	org := &algorithms.OrgContext{
		OrgID:   fs.OrgID,
		AsOf:    fs.AsOf,
		Pricing: s.deps.Scorer.Pricing(),
		Conflict: conflict.Snapshot{
			Graph:  conflict.BuildGraph(fs.Privileges),
			Matrix: s.deps.Matrices.Current(),
		},
	}
	matrixVersion := ""
	if org.Conflict.Matrix != nil {
		matrixVersion = org.Conflict.Matrix.Version()
	}

	cfg := s.deps.Scorer.Config()
	enabled := make([]algorithms.Algorithm, 0, s.deps.Registry.Len())
	for _, alg := range s.deps.Registry.All() {
		if cfg.Enabled(alg.ID()) {
			enabled = append(enabled, alg)
		}
	}

	outputs := make([]runOutput, len(enabled))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, alg := range enabled {
		g.Go(func() error {
			outputs[i] = s.runAlgorithm(runCtx, p, alg, org, matrixVersion)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		OrgID:         fs.OrgID,
		Trigger:       p.trigger,
		AsOf:          fs.AsOf,
		DataVersion:   fs.Version,
		MatrixVersion: matrixVersion,
		Stats:         p.stats,
		Runs:          make([]AlgorithmRun, 0, len(outputs)),
	}
	var recs []recommendations.Recommendation
	for _, out := range outputs {
		report.Runs = append(report.Runs, out.run)
		if out.run.Status != RunStatusCompleted {
			continue
		}
		report.Findings += out.run.FindingsGenerated
		report.Discarded += out.discarded
		recs = append(recs, out.recs...)
	}
	recs, dropped := scoring.Dedupe(recs)
	report.Discarded += dropped
	s.deps.Metrics.AddRecommendations("discarded", report.Discarded)

	if len(recs) == 0 {
		report.Recommendations = []recommendations.Recommendation{}
		return report, nil
	}
	result, err := s.deps.Sink.Create(ctx, recs)
	report.Recommendations = result.Created
	report.Superseded = result.Superseded
	report.Replaced = result.Replaced
	s.deps.Metrics.AddRecommendations("created", len(result.Created))
	s.deps.Metrics.AddRecommendations("superseded", result.Superseded)
	s.deps.Metrics.AddRecommendations("replaced", result.Replaced)
	if err != nil {
		return report, fmt.Errorf("engine: persist recommendations: %w", err)
	}
	s.logger.Info("analysis finished",
		slog.String("org_id", report.OrgID),
		slog.String("trigger", string(report.Trigger)),
		slog.Int("runs", len(report.Runs)),
		slog.Int("failed_runs", report.Failed()),
		slog.Int("created", len(result.Created)),
		slog.Int("superseded", result.Superseded),
		slog.Int("replaced", result.Replaced),
	)
	return report, nil
}

func (s *Service) runAlgorithm(ctx context.Context, p plan, alg algorithms.Algorithm, org *algorithms.OrgContext, matrixVersion string) runOutput {
	params := s.deps.Scorer.Config().Params(alg.ID())
	run := AlgorithmRun{
		ID:            uuid.New(),
		OrgID:         org.OrgID,
		AlgorithmID:   alg.ID(),
		Trigger:       p.trigger,
		Status:        RunStatusRunning,
		StartedAt:     s.now().UTC(),
		Params:        params,
		DataVersion:   p.features.Version,
		MatrixVersion: matrixVersion,
	}
	logger := s.logger.With(slog.String("algorithm", alg.ID()), slog.String("run_id", run.ID.String()))
	if err := s.deps.Runs.Start(ctx, run); err != nil {
		logger.Warn("record run start", slog.Any("error", err))
	}

	out := runOutput{}
	if err := s.deps.Scorer.Validate(alg.ID()); err != nil {
		out.run = s.finish(ctx, logger, run, err.Error())
		return out
	}

	userCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		failures  []string
		evaluated int
		sem       = semaphore.NewWeighted(int64(s.opts.UserConcurrency))
	)
	for _, f := range p.users {
		if err := sem.Acquire(userCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if userCtx.Err() != nil {
				return
			}
			res, err := evaluate(alg, f, org, params)
			var (
				recs      []recommendations.Recommendation
				discarded int
			)
			if err == nil && res.Outcome == algorithms.OutcomeDetected {
				recs, discarded, err = s.score(res.Findings, f, org.OrgID, run.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, shared.ErrConfiguration):
				cancel(err)
			case err != nil:
				evaluated++
				run.UserFailures++
				failures = append(failures, fmt.Sprintf("%s: %v", f.User.ID, err))
				logger.Warn("user evaluation failed", slog.String("user_id", f.User.ID), slog.Any("error", err))
			default:
				evaluated++
				run.UsersProcessed++
				switch res.Outcome {
				case algorithms.OutcomeInsufficientData:
					run.UsersSkipped++
				case algorithms.OutcomeDetected:
					run.FindingsGenerated += len(res.Findings)
					out.recs = append(out.recs, recs...)
					out.discarded += discarded
				}
			}
		}()
	}
	wg.Wait()

	// A deadline that lands after the last user finished does not fail the
	// run; only users left unevaluated do.
	if cause := context.Cause(userCtx); cause != nil && evaluated < len(p.users) {
		var reason string
		switch {
		case errors.Is(cause, shared.ErrConfiguration):
			reason = cause.Error()
		case errors.Is(cause, context.DeadlineExceeded):
			reason = "timed out before all users were evaluated"
		default:
			reason = "cancelled before all users were evaluated"
		}
		out.recs, out.discarded = nil, 0
		out.run = s.finish(ctx, logger, run, reason)
		return out
	}
	if len(failures) > 0 {
		run.Reason = summarizeFailures(failures)
	}
	out.run = s.finish(ctx, logger, run, "")
	return out
}

// finish stamps the run with its final status and persists it even when the
// run context is already done. A non-empty failReason marks the run FAILED.
func (s *Service) finish(ctx context.Context, logger *slog.Logger, run AlgorithmRun, failReason string) AlgorithmRun {
	completed := s.now().UTC()
	run.CompletedAt = &completed
	run.Status = RunStatusCompleted
	if failReason != "" {
		run.Status = RunStatusFailed
		run.Reason = failReason
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Runs.Finish(persistCtx, run); err != nil {
		logger.Error("record run finish", slog.Any("error", err))
	}
	s.deps.Metrics.ObserveAlgorithmRun(run.AlgorithmID, string(run.Trigger), string(run.Status), run.FindingsGenerated, run.UserFailures)

	attrs := []any{
		slog.String("status", string(run.Status)),
		slog.Int("users_processed", run.UsersProcessed),
		slog.Int("users_skipped", run.UsersSkipped),
		slog.Int("user_failures", run.UserFailures),
		slog.Int("findings", run.FindingsGenerated),
	}
	if run.Status == RunStatusFailed {
		logger.Warn("algorithm run failed", append(attrs, slog.String("reason", run.Reason))...)
	} else {
		logger.Info("algorithm run completed", attrs...)
	}
	return run
}

func (s *Service) score(findings []algorithms.Finding, f normalize.Features, orgID string, runID uuid.UUID) ([]recommendations.Recommendation, int, error) {
	recs := make([]recommendations.Recommendation, 0, len(findings))
	discarded := 0
	for _, finding := range findings {
		rec, ok, err := s.deps.Scorer.Score(finding, f)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			discarded++
			continue
		}
		rec.OrgID = orgID
		rec.RunID = runID
		recs = append(recs, rec)
	}
	return recs, discarded, nil
}

func evaluate(alg algorithms.Algorithm, f normalize.Features, org *algorithms.OrgContext, params algorithms.Params) (res algorithms.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return alg.Evaluate(f, org, params)
}

func summarizeFailures(failures []string) string {
	const shown = 3
	if len(failures) <= shown {
		return fmt.Sprintf("%d user evaluation(s) failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return fmt.Sprintf("%d user evaluation(s) failed: %s; ...", len(failures), strings.Join(failures[:shown], "; "))
}
