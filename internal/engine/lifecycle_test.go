package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/access-advisor/internal/algorithms"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
)

// lifecycleRepo is an in-memory recommendations.Repository, so engine runs
// can be checked against the real lifecycle service.
type lifecycleRepo struct {
	mu    sync.Mutex
	recs  map[uuid.UUID]recommendations.Recommendation
	audit []recommendations.AuditEntry
}

func newLifecycleRepo() *lifecycleRepo {
	return &lifecycleRepo{recs: map[uuid.UUID]recommendations.Recommendation{}}
}

func (r *lifecycleRepo) WithTx(ctx context.Context, fn func(context.Context, recommendations.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, lifecycleTx{r})
}

func (r *lifecycleRepo) Get(_ context.Context, id uuid.UUID) (recommendations.Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return recommendations.Recommendation{}, recommendations.ErrNotFound
	}
	return rec, nil
}

func (r *lifecycleRepo) List(_ context.Context, filter recommendations.ListFilter) ([]recommendations.Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []recommendations.Recommendation{}
	for _, rec := range r.recs {
		if filter.AlgorithmID != "" && rec.AlgorithmID != filter.AlgorithmID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *lifecycleRepo) AuditTrail(_ context.Context, id uuid.UUID) ([]recommendations.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []recommendations.AuditEntry{}
	for _, e := range r.audit {
		if e.RecommendationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *lifecycleRepo) ListExpirable(context.Context, time.Time, int) ([]uuid.UUID, error) {
	return nil, nil
}

type lifecycleTx struct{ r *lifecycleRepo }

func (t lifecycleTx) LoadForUpdate(_ context.Context, id uuid.UUID) (recommendations.Recommendation, error) {
	rec, ok := t.r.recs[id]
	if !ok {
		return recommendations.Recommendation{}, recommendations.ErrNotFound
	}
	return rec, nil
}

func (t lifecycleTx) FindActive(_ context.Context, rec recommendations.Recommendation) (recommendations.Recommendation, bool, error) {
	for _, existing := range t.r.recs {
		if existing.OrgID != rec.OrgID || existing.DedupKey() != rec.DedupKey() {
			continue
		}
		switch existing.Status {
		case recommendations.StatusPending, recommendations.StatusApproved, recommendations.StatusImplemented:
			return existing, true, nil
		}
	}
	return recommendations.Recommendation{}, false, nil
}

func (t lifecycleTx) Insert(_ context.Context, rec recommendations.Recommendation) error {
	t.r.recs[rec.ID] = rec
	return nil
}

func (t lifecycleTx) UpdateStatus(_ context.Context, id uuid.UUID, expectedVersion int, status recommendations.Status, prior *recommendations.PriorState, at time.Time) error {
	rec, ok := t.r.recs[id]
	if !ok || rec.Version != expectedVersion {
		return recommendations.ErrVersionMismatch
	}
	rec.Status, rec.PriorState, rec.UpdatedAt = status, prior, at
	rec.Version++
	t.r.recs[id] = rec
	return nil
}

func (t lifecycleTx) AppendAudit(_ context.Context, entry recommendations.AuditEntry) (recommendations.AuditEntry, error) {
	entry.ID = int64(len(t.r.audit) + 1)
	t.r.audit = append(t.r.audit, entry)
	return entry, nil
}

func TestDisablingRuleKeepsPersistedViolations(t *testing.T) {
	ctx := context.Background()
	store := conflict.NewStore(conflict.StaticSource(conflict.MatrixFile{
		Version: "v7",
		Rules: []conflict.Rule{{
			ID:       "SOD-001",
			Category: "procure-to-pay",
			RoleA:    normalize.CanonicalID("AP Clerk"),
			RoleB:    normalize.CanonicalID("Vendor Master Maintainer"),
			Severity: conflict.SeverityCritical,
			Enabled:  true,
		}},
	}), nil, nil)
	require.NoError(t, store.Reload(ctx))

	repo := newLifecycleRepo()
	lifecycle := recommendations.NewService(repo, recommendations.Options{TTL: 30 * 24 * time.Hour}, nil)
	lifecycle.WithNow(func() time.Time { return asOf })

	fx := newFixture(t, scoringConfig(nil), algorithms.Default(), store.Current(), Options{})
	fx.svc.deps.Matrices = store
	fx.svc.deps.Sink = lifecycle

	first, err := fx.svc.RunBatch(ctx, BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	require.Equal(t, "v7", first.MatrixVersion)
	var violation recommendations.Recommendation
	for _, rec := range first.Recommendations {
		if rec.AlgorithmID == "sod_conflict" {
			violation = rec
		}
	}
	require.Equal(t, "SOD-001", violation.Subject)
	trailBefore, err := lifecycle.AuditTrail(ctx, violation.ID)
	require.NoError(t, err)
	require.Len(t, trailBefore, 1)

	_, err = store.SetEnabled(ctx, "SOD-001", false)
	require.NoError(t, err)

	second, err := fx.svc.RunBatch(ctx, BatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	require.Equal(t, "v7+l1", second.MatrixVersion)
	require.Zero(t, runByID(t, second, "sod_conflict").FindingsGenerated)
	for _, rec := range second.Recommendations {
		require.NotEqual(t, "sod_conflict", rec.AlgorithmID)
	}

	stored, err := lifecycle.Get(ctx, violation.ID)
	require.NoError(t, err)
	require.Equal(t, violation, stored)
	trailAfter, err := lifecycle.AuditTrail(ctx, violation.ID)
	require.NoError(t, err)
	require.Equal(t, trailBefore, trailAfter)

	sod, err := lifecycle.List(ctx, recommendations.ListFilter{AlgorithmID: "sod_conflict"})
	require.NoError(t, err)
	require.Len(t, sod, 1)
}
