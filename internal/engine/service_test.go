package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/access-advisor/internal/algorithms"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/pricing"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
	"github.com/odyssey-erp/access-advisor/internal/scoring"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

var asOf = time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	batch normalize.RawBatch
	err   error
}

func (s fakeSource) Load(context.Context, string) (normalize.RawBatch, error) {
	return s.batch, s.err
}

func (s fakeSource) LoadUser(context.Context, string, string) (normalize.RawBatch, error) {
	return s.batch, s.err
}

type memoryRuns struct {
	mu       sync.Mutex
	started  map[string]AlgorithmRun
	finished map[string]AlgorithmRun
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{started: map[string]AlgorithmRun{}, finished: map[string]AlgorithmRun{}}
}

func (m *memoryRuns) Start(_ context.Context, run AlgorithmRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[run.ID.String()] = run
	return nil
}

func (m *memoryRuns) Finish(ctx context.Context, run AlgorithmRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[run.ID.String()] = run
	return nil
}

func (m *memoryRuns) List(_ context.Context, filter RunFilter) ([]AlgorithmRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlgorithmRun, 0)
	for _, run := range m.finished {
		if filter.AlgorithmID != "" && run.AlgorithmID != filter.AlgorithmID {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (m *memoryRuns) FailStale(_ context.Context, cutoff time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, run := range m.started {
		if _, done := m.finished[id]; done || !run.StartedAt.Before(cutoff) {
			continue
		}
		run.Status, run.Reason = RunStatusFailed, reason
		m.finished[id] = run
		n++
	}
	return n, nil
}

type staticMatrix struct{ m *conflict.Matrix }

func (s staticMatrix) Current() *conflict.Matrix { return s.m }

type memorySink struct {
	mu   sync.Mutex
	recs []recommendations.Recommendation
}

func (s *memorySink) Create(_ context.Context, recs []recommendations.Recommendation) (recommendations.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
	return recommendations.CreateResult{Created: recs}, nil
}

// stubAlgorithm flags every user with signal 1 unless told to misbehave.
type stubAlgorithm struct {
	id      string
	panicOn string
	delay   time.Duration
}

func (a stubAlgorithm) ID() string                     { return a.id }
func (a stubAlgorithm) Type() algorithms.Type          { return algorithms.TypeAccessRisk }
func (a stubAlgorithm) Signal() algorithms.SignalRange { return algorithms.Ratio() }
func (a stubAlgorithm) Requires() []string             { return nil }

func (a stubAlgorithm) Evaluate(f normalize.Features, _ *algorithms.OrgContext, _ algorithms.Params) (algorithms.Result, error) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if f.User.ID == a.panicOn {
		panic("boom")
	}
	return algorithms.Detected(algorithms.Finding{
		AlgorithmID: a.id,
		UserID:      f.User.ID,
		Type:        algorithms.TypeAccessRisk,
		Signal:      1,
		Evidence:    map[string]any{},
	}), nil
}

func rawBatch() normalize.RawBatch {
	batch := normalize.RawBatch{
		OrgID:   "org-1",
		Version: "security@1,assignments@1,activity@1",
		RoleConfig: normalize.RawRoleConfig{
			Users: []normalize.RawUserRow{
				{UserID: "u1", LicenseTier: "Finance", Active: "true"},
				{UserID: "u2", LicenseTier: "Finance", Active: "true"},
			},
			Privileges: []normalize.RawPrivilegeRow{
				{Role: "AP Clerk", Duty: "invoice", MenuItem: "VendInvoice", RequiredLicense: "Activity"},
				{Role: "Vendor Master Maintainer", Duty: "vendors", MenuItem: "VendTable", RequiredLicense: "Activity"},
				{Role: "Viewer", Duty: "inquiry", MenuItem: "VendTable", RequiredLicense: "Activity"},
			},
		},
		Assignments: []normalize.RawAssignmentRow{
			{UserID: "u1", Role: "Viewer", AssignedAt: "2025-06-01T00:00:00Z", Active: "true"},
			{UserID: "u2", Role: "AP Clerk", AssignedAt: "2025-06-01T00:00:00Z", Active: "true"},
			{UserID: "u2", Role: "Vendor Master Maintainer", AssignedAt: "2025-07-01T00:00:00Z", Active: "true"},
		},
	}
	start := time.Date(2026, 3, 30, 10, 0, 0, 0, time.UTC)
	for i := range 1234 {
		action := "read"
		if i < 23 {
			action = "write"
		}
		batch.Activity = append(batch.Activity, normalize.RawActivityRow{
			UserID:   "u1",
			MenuItem: "VendTable",
			Action:   action,
			At:       start.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		})
	}
	for i := range 10 {
		batch.Activity = append(batch.Activity, normalize.RawActivityRow{
			UserID:   "u2",
			MenuItem: "VendInvoice",
			Action:   "write",
			At:       start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}
	return batch
}

func scoringConfig(extra map[string]scoring.AlgorithmConfig) scoring.Config {
	cfg := scoring.Config{
		MinConfidence: 0.5,
		RiskWeights:   map[string]float64{"sod": 0.4, "privilege_creep": 0.2, "anomaly": 0.2, "orphaned": 0.2},
		PriorityBands: []scoring.Band{
			{MinConfidence: 0.9, Priority: "HIGH"},
			{MinConfidence: 0, Priority: "LOW"},
		},
		Algorithms: map[string]scoring.AlgorithmConfig{
			"read_only_downgrade": {
				Params: map[string]any{"min_activity_count": 100, "read_ratio_threshold": 0.95, "target_license": "ACTIVITY"},
				Confidence: []scoring.Step{
					{MinSignal: 0.95, Confidence: 0.90},
					{MinSignal: 0.98, Confidence: 0.95},
				},
			},
			"sod_conflict": {
				Confidence: []scoring.Step{{MinSignal: 0.25, Confidence: 0.99}},
			},
		},
	}
	for id, ac := range extra {
		cfg.Algorithms[id] = ac
	}
	return cfg
}

func matrix(t *testing.T, enabled bool) *conflict.Matrix {
	t.Helper()
	m, err := conflict.NewMatrix("v7", []conflict.Rule{{
		ID:       "SOD-001",
		Category: "procure-to-pay",
		RoleA:    normalize.CanonicalID("AP Clerk"),
		RoleB:    normalize.CanonicalID("Vendor Master Maintainer"),
		Severity: conflict.SeverityCritical,
		Enabled:  enabled,
	}})
	require.NoError(t, err)
	return m
}

type fixture struct {
	svc  *Service
	runs *memoryRuns
	sink *memorySink
}

func newFixture(t *testing.T, cfg scoring.Config, registry *algorithms.Registry, m *conflict.Matrix, opts Options) fixture {
	t.Helper()
	table, err := pricing.NewTable([]pricing.Tier{
		{Tier: "FINANCE", Rank: 3, MonthlyCost: 180, AnnualCost: 2160, Currency: "USD"},
		{Tier: "ACTIVITY", Rank: 2, MonthlyCost: 60, AnnualCost: 720, Currency: "USD"},
	})
	require.NoError(t, err)
	scorer, err := scoring.NewScorer(cfg, table, registry)
	require.NoError(t, err)

	runs, sink := newMemoryRuns(), &memorySink{}
	svc := NewService(Dependencies{
		Source:   fakeSource{batch: rawBatch()},
		Runs:     runs,
		Matrices: staticMatrix{m: m},
		Registry: registry,
		Scorer:   scorer,
		Sink:     sink,
	}, opts, nil)
	svc.WithNow(func() time.Time { return asOf })
	return fixture{svc: svc, runs: runs, sink: sink}
}

func runByID(t *testing.T, report Report, algorithmID string) AlgorithmRun {
	t.Helper()
	for _, run := range report.Runs {
		if run.AlgorithmID == algorithmID {
			return run
		}
	}
	t.Fatalf("no run for %s", algorithmID)
	return AlgorithmRun{}
}

func TestRunBatchEndToEnd(t *testing.T) {
	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), matrix(t, true), Options{})

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1", AsOf: asOf})
	require.NoError(t, err)
	require.Len(t, report.Runs, 2)
	require.Equal(t, "v7", report.MatrixVersion)
	require.Zero(t, report.Failed())

	readOnly := runByID(t, report, "read_only_downgrade")
	require.Equal(t, RunStatusCompleted, readOnly.Status)
	require.Equal(t, 2, readOnly.UsersProcessed)
	require.Equal(t, 1, readOnly.UsersSkipped)
	require.Equal(t, 1, readOnly.FindingsGenerated)
	require.NotNil(t, readOnly.CompletedAt)

	require.Len(t, fx.sink.recs, 2)
	byAlgorithm := map[string]recommendations.Recommendation{}
	for _, rec := range fx.sink.recs {
		byAlgorithm[rec.AlgorithmID] = rec
		require.Equal(t, "org-1", rec.OrgID)
	}

	downgrade := byAlgorithm["read_only_downgrade"]
	require.Equal(t, "u1", downgrade.UserID)
	require.Equal(t, readOnly.ID, downgrade.RunID)
	require.InDelta(t, 0.95, downgrade.Confidence, 1e-9)
	require.Equal(t, "ACTIVITY", downgrade.RecommendedLicense)
	require.InDelta(t, 120, downgrade.MonthlySavings, 1e-9)
	require.InDelta(t, 1440, downgrade.AnnualSavings, 1e-9)

	sod := byAlgorithm["sod_conflict"]
	require.Equal(t, "u2", sod.UserID)
	require.Equal(t, "SOD-001", sod.Subject)
	require.Equal(t, recommendations.PriorityCritical, sod.Priority)

	persisted, err := fx.svc.Runs(context.Background(), RunFilter{})
	require.NoError(t, err)
	require.Len(t, persisted, 2)
}

func TestRunBatchDisabledRuleProducesNoFinding(t *testing.T) {
	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), matrix(t, false), Options{})

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	require.Zero(t, runByID(t, report, "sod_conflict").FindingsGenerated)
	for _, rec := range fx.sink.recs {
		require.NotEqual(t, "sod_conflict", rec.AlgorithmID)
	}
}

func TestRunBatchIsolatesPanickingUser(t *testing.T) {
	registry, err := algorithms.NewRegistry(stubAlgorithm{id: "flaky", panicOn: "u2"})
	require.NoError(t, err)
	cfg := scoringConfig(map[string]scoring.AlgorithmConfig{
		"flaky": {Confidence: []scoring.Step{{MinSignal: 0.5, Confidence: 0.8}}},
	})
	fx := newFixture(t, cfg, registry, matrix(t, true), Options{})

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	run := runByID(t, report, "flaky")
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.UserFailures)
	require.Equal(t, 1, run.UsersProcessed)
	require.Contains(t, run.Reason, "u2")
	require.Contains(t, run.Reason, "panic")
	require.Len(t, fx.sink.recs, 1)
	require.Equal(t, "u1", fx.sink.recs[0].UserID)
}

func TestRunBatchTimeoutFailsUnfinishedRun(t *testing.T) {
	registry, err := algorithms.NewRegistry(
		stubAlgorithm{id: "fast"},
		stubAlgorithm{id: "slow", delay: 200 * time.Millisecond},
	)
	require.NoError(t, err)
	steps := []scoring.Step{{MinSignal: 0.5, Confidence: 0.8}}
	cfg := scoringConfig(map[string]scoring.AlgorithmConfig{
		"fast": {Confidence: steps},
		"slow": {Confidence: steps},
	})
	fx := newFixture(t, cfg, registry, matrix(t, true), Options{
		BatchTimeout:     50 * time.Millisecond,
		BatchConcurrency: 2,
		UserConcurrency:  1,
	})

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)

	slow := runByID(t, report, "slow")
	require.Equal(t, RunStatusFailed, slow.Status)
	require.Contains(t, slow.Reason, "timed out")
	require.Equal(t, RunStatusCompleted, runByID(t, report, "fast").Status)

	require.Len(t, fx.sink.recs, 2)
	for _, rec := range fx.sink.recs {
		require.Equal(t, "fast", rec.AlgorithmID)
	}
	persisted, err := fx.svc.Runs(context.Background(), RunFilter{AlgorithmID: "slow"})
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Equal(t, RunStatusFailed, persisted[0].Status)
}

func TestRunBatchDeadlineAfterLastUserKeepsRun(t *testing.T) {
	registry, err := algorithms.NewRegistry(stubAlgorithm{id: "slow", delay: 150 * time.Millisecond})
	require.NoError(t, err)
	cfg := scoringConfig(map[string]scoring.AlgorithmConfig{
		"slow": {Confidence: []scoring.Step{{MinSignal: 0.5, Confidence: 0.8}}},
	})
	// Both users start before the deadline and finish after it.
	fx := newFixture(t, cfg, registry, matrix(t, true), Options{
		BatchTimeout:    50 * time.Millisecond,
		UserConcurrency: 2,
	})

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	run := runByID(t, report, "slow")
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.UsersProcessed)
	require.Len(t, fx.sink.recs, 2)
}

func TestConfigurationErrorFailsOnlyThatAlgorithm(t *testing.T) {
	cfg := scoringConfig(nil)
	ac := cfg.Algorithms["read_only_downgrade"]
	ac.Params = map[string]any{"min_activity_count": 100, "read_ratio_threshold": 0.95}
	cfg.Algorithms["read_only_downgrade"] = ac
	fx := newFixture(t, cfg, algorithms.Default(), matrix(t, true), Options{})

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	failed := runByID(t, report, "read_only_downgrade")
	require.Equal(t, RunStatusFailed, failed.Status)
	require.Contains(t, failed.Reason, "target_license")
	require.Equal(t, RunStatusCompleted, runByID(t, report, "sod_conflict").Status)
	require.Len(t, fx.sink.recs, 1)
	require.Equal(t, "sod_conflict", fx.sink.recs[0].AlgorithmID)
}

func TestMissingPricingTierAbortsRun(t *testing.T) {
	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), matrix(t, true), Options{})
	batch := rawBatch()
	batch.RoleConfig.Users[0].LicenseTier = "Platinum"
	fx.svc.deps.Source = fakeSource{batch: batch}

	report, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	run := runByID(t, report, "read_only_downgrade")
	require.Equal(t, RunStatusFailed, run.Status)
	require.Contains(t, run.Reason, shared.ErrConfiguration.Error())
	require.Contains(t, run.Reason, "PLATINUM")
}

func TestAnalyzeUser(t *testing.T) {
	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), matrix(t, true), Options{})

	_, err := fx.svc.AnalyzeUser(context.Background(), "org-1", "ghost")
	require.True(t, errors.Is(err, shared.ErrNotFound))

	_, err = fx.svc.AnalyzeUser(context.Background(), "org-1", " ")
	require.True(t, errors.Is(err, shared.ErrValidation))

	report, err := fx.svc.AnalyzeUser(context.Background(), "org-1", " U1 ")
	require.NoError(t, err)
	require.Equal(t, TriggerOnDemand, report.Trigger)
	require.Len(t, report.Recommendations, 1)
	require.Equal(t, "read_only_downgrade", report.Recommendations[0].AlgorithmID)
	for _, run := range report.Runs {
		require.Equal(t, 1, run.UsersProcessed, fmt.Sprintf("run %s", run.AlgorithmID))
	}
}

func TestRunBatchPropagatesSourceErrors(t *testing.T) {
	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), matrix(t, true), Options{})
	fx.svc.deps.Source = fakeSource{err: fmt.Errorf("security feed: %w", shared.ErrInsufficientData)}

	_, err := fx.svc.RunBatch(context.Background(), BatchRequest{OrgID: "org-1"})
	require.True(t, errors.Is(err, shared.ErrInsufficientData))

	_, err = fx.svc.RunBatch(context.Background(), BatchRequest{})
	require.True(t, errors.Is(err, shared.ErrValidation))
}

func TestFailStale(t *testing.T) {
	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), matrix(t, true), Options{})
	run := AlgorithmRun{AlgorithmID: "sod_conflict", Status: RunStatusRunning, StartedAt: asOf.Add(-3 * time.Hour)}
	require.NoError(t, fx.runs.Start(context.Background(), run))

	n, err := fx.svc.FailStale(context.Background(), time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
