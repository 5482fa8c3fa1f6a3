package algorithms

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/pricing"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

var asOf = time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

func key(s string) string { return normalize.CanonicalID(s) }

func testOrg(t *testing.T) *OrgContext {
	t.Helper()
	table, err := pricing.NewTable([]pricing.Tier{
		{Tier: "FINANCE", Rank: 3, MonthlyCost: 180, AnnualCost: 2160, Currency: "USD"},
		{Tier: "ACTIVITY", Rank: 2, MonthlyCost: 60, AnnualCost: 720, Currency: "USD"},
		{Tier: "TEAM_MEMBER", Rank: 1, MonthlyCost: 8, AnnualCost: 96, Currency: "USD"},
		{Tier: "NONE", Rank: 0, MonthlyCost: 0, AnnualCost: 0, Currency: "USD"},
	})
	require.NoError(t, err)
	privs := []normalize.SecurityPrivilege{
		{RoleKey: key("AP Clerk"), Duty: "invoice", MenuItem: "vendinvoice", RequiredLicense: "ACTIVITY"},
		{RoleKey: key("AP Clerk"), Duty: "invoice", MenuItem: "vendtable", RequiredLicense: "TEAM_MEMBER"},
		{RoleKey: key("Vendor Master Maintainer"), Duty: "vendors", MenuItem: "vendtable", RequiredLicense: "TEAM_MEMBER"},
		{RoleKey: key("GL Accountant"), Duty: "ledger", MenuItem: "ledgerjournal", RequiredLicense: "FINANCE"},
		{RoleKey: key("Viewer"), Duty: "inquiry", MenuItem: "vendtable", RequiredLicense: "TEAM_MEMBER"},
	}
	matrix, err := conflict.NewMatrix("v1", []conflict.Rule{
		{ID: "SOD-001", Category: "procure-to-pay", RoleA: key("AP Clerk"), RoleB: key("Vendor Master Maintainer"), Severity: conflict.SeverityCritical, Enabled: true},
		{ID: "SOD-002", Category: "record-to-report", RoleA: key("GL Accountant"), RoleB: key("AP Clerk"), Severity: conflict.SeverityMedium, Enabled: true},
	})
	require.NoError(t, err)
	return &OrgContext{
		OrgID:    "org-1",
		AsOf:     asOf,
		Pricing:  table,
		Conflict: conflict.Snapshot{Graph: conflict.BuildGraph(privs), Matrix: matrix},
	}
}

func user(id, tier string, roles ...string) normalize.Features {
	f := normalize.Features{
		User: normalize.UserRecord{ID: id, LicenseTier: tier, Active: true},
	}
	for i, r := range roles {
		f.Roles = append(f.Roles, normalize.RoleAssignment{
			UserID:     id,
			Role:       r,
			RoleKey:    key(r),
			AssignedAt: asOf.AddDate(0, -6, i),
			Active:     true,
		})
	}
	f.RoleCount = len(f.Roles)
	return f
}

func withActivity(f normalize.Features, events, writes int, forms ...string) normalize.Features {
	f.EventCount = events
	f.WriteCount = writes
	f.ReadCount = events - writes
	if events > 0 {
		f.ReadRatio = round4(float64(events-writes) / float64(events))
		f.WriteRatio = round4(float64(writes) / float64(events))
	}
	f.Forms = forms
	f.DistinctForms = len(forms)
	last := asOf.Add(-time.Hour)
	f.User.LastActivity = &last
	return f
}

func TestRegistryStableOrder(t *testing.T) {
	r := Default()
	require.Equal(t, 11, r.Len())
	ids := r.IDs()
	require.IsIncreasing(t, ids)
	for _, a := range r.All() {
		got, ok := r.Get(a.ID())
		require.True(t, ok)
		require.Equal(t, a.ID(), got.ID())
	}
	_, ok := r.Get("nope")
	require.False(t, ok)

	_, err := NewRegistry(ReadOnlyDowngrade{}, ReadOnlyDowngrade{})
	require.Error(t, err)
}

func TestParams(t *testing.T) {
	p := Params{"a": 3, "b": 0.5, "c": "FINANCE", "d": 2.5}
	v, err := p.Int("a")
	require.NoError(t, err)
	require.Equal(t, 3, v)
	f, err := p.Float("b")
	require.NoError(t, err)
	require.Equal(t, 0.5, f)
	s, err := p.String("c")
	require.NoError(t, err)
	require.Equal(t, "FINANCE", s)

	_, err = p.Int("d")
	require.True(t, errors.Is(err, shared.ErrConfiguration))
	_, err = p.Float("missing")
	require.True(t, errors.Is(err, shared.ErrConfiguration))
	_, err = p.Float("c")
	require.True(t, errors.Is(err, shared.ErrConfiguration))

	err = CheckParams(ReadOnlyDowngrade{}, Params{"min_activity_count": 10})
	require.True(t, errors.Is(err, shared.ErrConfiguration))
	require.NoError(t, CheckParams(OrphanedAccount{}, nil))
}

func TestSignalRangeNormalize(t *testing.T) {
	require.Equal(t, 0.5, Ratio().Normalize(0.5))
	require.Equal(t, 1.0, Ratio().Normalize(1.7))
	require.Equal(t, 0.25, Count(0, 4).Normalize(1))
	require.Equal(t, 1.0, Count(0, 40).Normalize(90))
	require.Equal(t, 1.0, Boolean().Normalize(3))
	require.Equal(t, 0.0, Boolean().Normalize(0))
}

func TestReadOnlyDowngrade(t *testing.T) {
	org := testOrg(t)
	params := Params{"min_activity_count": 100, "read_ratio_threshold": 0.95, "target_license": "ACTIVITY"}
	alg := ReadOnlyDowngrade{}

	res, err := alg.Evaluate(withActivity(user("u1", "FINANCE"), 1234, 23), org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Len(t, res.Findings, 1)
	require.Equal(t, "ACTIVITY", res.Findings[0].RecommendedLicense)
	require.InDelta(t, 0.9814, res.Findings[0].Signal, 1e-9)
	require.Equal(t, TypeLicenseDowngrade, res.Findings[0].Type)

	res, err = alg.Evaluate(withActivity(user("u2", "FINANCE"), 40, 0), org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientData, res.Outcome)
	require.Empty(t, res.Findings)
	require.NotEmpty(t, res.Reason)

	res, err = alg.Evaluate(withActivity(user("u3", "FINANCE"), 1000, 300), org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeClear, res.Outcome)

	res, err = alg.Evaluate(withActivity(user("u4", "TEAM_MEMBER"), 1000, 0), org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeClear, res.Outcome)

	_, err = alg.Evaluate(withActivity(user("u5", "GOLD"), 1000, 0), org, params)
	require.True(t, errors.Is(err, shared.ErrConfiguration))

	_, err = alg.Evaluate(withActivity(user("u1", "FINANCE"), 1234, 23), org, Params{})
	require.True(t, errors.Is(err, shared.ErrConfiguration))
}

func TestLicenseTierMismatch(t *testing.T) {
	org := testOrg(t)
	params := Params{"min_activity_count": 10, "min_eligible_share": 1.0}
	alg := LicenseTierMismatch{}

	res, err := alg.Evaluate(withActivity(user("u1", "FINANCE"), 50, 5, "vendinvoice", "vendtable"), org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, "ACTIVITY", res.Findings[0].RecommendedLicense)
	require.Equal(t, 1.0, res.Findings[0].Signal)

	res, err = alg.Evaluate(withActivity(user("u2", "FINANCE"), 50, 5, "vendtable", "ledgerjournal"), org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeClear, res.Outcome)

	res, err = alg.Evaluate(withActivity(user("u3", "FINANCE"), 50, 5, "vendtable", "ledgerjournal"), org,
		Params{"min_activity_count": 10, "min_eligible_share": 0.5})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, "TEAM_MEMBER", res.Findings[0].RecommendedLicense)
	require.Equal(t, []string{"ledgerjournal"}, res.Findings[0].Evidence["blocking_forms"])
}

func TestInactiveUser(t *testing.T) {
	org := testOrg(t)
	params := Params{"inactive_days": 90, "removal_license": "NONE"}
	alg := InactiveUser{}

	f := user("u1", "FINANCE")
	last := asOf.AddDate(0, 0, -120)
	f.User.LastActivity = &last
	res, err := alg.Evaluate(f, org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, 120.0, res.Findings[0].Signal)
	require.Equal(t, "NONE", res.Findings[0].RecommendedLicense)

	recent := asOf.AddDate(0, 0, -10)
	f.User.LastActivity = &recent
	res, err = alg.Evaluate(f, org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeClear, res.Outcome)

	f.User.LastActivity = nil
	res, err = alg.Evaluate(f, org, params)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientData, res.Outcome)
}

func TestRoleAlgorithms(t *testing.T) {
	org := testOrg(t)

	f := withActivity(user("u1", "FINANCE", "Viewer", "Vendor Master Maintainer", "GL Accountant"), 30, 0, "vendtable")
	res, err := RoleOverlap{}.Evaluate(f, org, Params{"overlap_threshold": 1.0})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, key("Vendor Master Maintainer"), res.Findings[0].Subject)
	require.Equal(t, key("Viewer"), res.Findings[0].Evidence["covering_role"])

	res, err = UnusedRoles{}.Evaluate(f, org, Params{"min_activity_count": 10, "unused_share_threshold": 0.3})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.InDelta(t, 0.3333, res.Findings[0].Signal, 1e-9)
	require.Equal(t, []string{key("GL Accountant")}, res.Findings[0].Evidence["unused_roles"])

	res, err = ExcessiveRoles{}.Evaluate(f, org, Params{"max_roles": 2})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, 3.0, res.Findings[0].Signal)

	res, err = ExcessiveRoles{}.Evaluate(f, org, Params{"max_roles": 3})
	require.NoError(t, err)
	require.Equal(t, OutcomeClear, res.Outcome)

	recent := user("u2", "FINANCE", "Viewer", "GL Accountant")
	for i := range recent.Roles {
		recent.Roles[i].AssignedAt = asOf.AddDate(0, 0, -5)
	}
	res, err = PrivilegeCreep{}.Evaluate(recent, org, Params{"lookback_days": 30, "max_new_roles": 2})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	res, err = PrivilegeCreep{}.Evaluate(f, org, Params{"lookback_days": 30, "max_new_roles": 2})
	require.NoError(t, err)
	require.Equal(t, OutcomeClear, res.Outcome)
}

func TestSoDConflictFindings(t *testing.T) {
	org := testOrg(t)
	alg := SoDConflict{}

	forward := user("u1", "FINANCE", "AP Clerk", "Vendor Master Maintainer")
	reverse := user("u1", "FINANCE", "Vendor Master Maintainer", "AP Clerk")
	a, err := alg.Evaluate(forward, org, nil)
	require.NoError(t, err)
	b, err := alg.Evaluate(reverse, org, nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a.Findings, 1)
	require.Equal(t, "SOD-001", a.Findings[0].Subject)
	require.Equal(t, conflict.SeverityCritical, a.Findings[0].Severity)
	require.Equal(t, 4.0, a.Findings[0].Signal)

	three := user("u2", "FINANCE", "AP Clerk", "Vendor Master Maintainer", "GL Accountant")
	res, err := alg.Evaluate(three, org, nil)
	require.NoError(t, err)
	require.Len(t, res.Findings, 2)

	_, err = alg.Evaluate(forward, &OrgContext{}, nil)
	require.True(t, errors.Is(err, shared.ErrConfiguration))
}

func TestRiskAlgorithms(t *testing.T) {
	org := testOrg(t)

	disabled := user("u1", "FINANCE", "AP Clerk", "Vendor Master Maintainer")
	disabled.User.Active = false
	res, err := OrphanedAccount{}.Evaluate(disabled, org, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)

	res, err = SecurityRiskScore{}.Evaluate(disabled, org, Params{"min_activity_count": 10})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, 1.0, res.Findings[0].Components[ComponentSoD])
	require.Equal(t, 1.0, res.Findings[0].Components[ComponentOrphaned])

	active := withActivity(user("u2", "FINANCE", "Viewer"), 5, 0, "vendtable")
	res, err = SecurityRiskScore{}.Evaluate(active, org, Params{"min_activity_count": 10})
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientData, res.Outcome)

	night := withActivity(user("u3", "FINANCE", "Viewer"), 100, 0, "vendtable")
	night.AfterHoursRatio = 0.6
	res, err = AfterHoursActivity{}.Evaluate(night, org, Params{"min_activity_count": 10, "after_hours_threshold": 0.5})
	require.NoError(t, err)
	require.Equal(t, OutcomeDetected, res.Outcome)
	require.Equal(t, 0.6, res.Findings[0].Signal)
}

func TestRoleBasedAlgorithmsNeedAssignmentFeed(t *testing.T) {
	org := testOrg(t)
	f := withActivity(user("u1", "FINANCE"), 60, 5, "vendtable")
	f.RolesUnknown = true
	disabled := user("u2", "FINANCE")
	disabled.User.Active = false
	disabled.RolesUnknown = true

	params := Params{
		"overlap_threshold":      0.5,
		"min_activity_count":     10,
		"unused_share_threshold": 0.3,
		"max_roles":              2,
		"lookback_days":          30,
		"max_new_roles":          2,
	}
	cases := []struct {
		alg Algorithm
		in  normalize.Features
	}{
		{SoDConflict{}, f},
		{ExcessiveRoles{}, f},
		{RoleOverlap{}, f},
		{UnusedRoles{}, f},
		{PrivilegeCreep{}, f},
		{SecurityRiskScore{}, f},
		{OrphanedAccount{}, disabled},
	}
	for _, tc := range cases {
		t.Run(tc.alg.ID(), func(t *testing.T) {
			res, err := tc.alg.Evaluate(tc.in, org, params)
			require.NoError(t, err)
			require.Equal(t, OutcomeInsufficientData, res.Outcome)
			require.Contains(t, res.Reason, "assignment feed")
		})
	}

	// Activity-only algorithms still evaluate.
	res, err := ReadOnlyDowngrade{}.Evaluate(f, org, Params{"min_activity_count": 10, "read_ratio_threshold": 0.9, "target_license": "ACTIVITY"})
	require.NoError(t, err)
	require.NotEqual(t, OutcomeInsufficientData, res.Outcome)
}
