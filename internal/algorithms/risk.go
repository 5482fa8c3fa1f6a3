package algorithms

import (
	"fmt"

	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Composite risk component keys. Weights in the scoring config use the same
// names.
const (
	ComponentSoD            = "sod"
	ComponentPrivilegeCreep = "privilege_creep"
	ComponentAnomaly        = "anomaly"
	ComponentOrphaned       = "orphaned"
)

// OrphanedAccount flags deactivated users that still hold active roles.
type OrphanedAccount struct{}

func (OrphanedAccount) ID() string          { return "orphaned_account" }
func (OrphanedAccount) Type() Type          { return TypeAccessRisk }
func (OrphanedAccount) Signal() SignalRange { return Boolean() }
func (OrphanedAccount) Requires() []string  { return nil }

func (a OrphanedAccount) Evaluate(f normalize.Features, _ *OrgContext, _ Params) (Result, error) {
	if f.User.Active {
		return Clear(), nil
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	if len(f.Roles) == 0 {
		return Clear(), nil
	}
	out := finding(a, f, 1, map[string]any{
		"active":     false,
		"roles":      f.RoleKeys(),
		"role_count": f.RoleCount,
	})
	return Detected(out), nil
}

// AfterHoursActivity flags users doing a large share of their work outside
// business hours.
type AfterHoursActivity struct{}

func (AfterHoursActivity) ID() string          { return "after_hours_activity" }
func (AfterHoursActivity) Type() Type          { return TypeAccessRisk }
func (AfterHoursActivity) Signal() SignalRange { return Ratio() }
func (AfterHoursActivity) Requires() []string {
	return []string{"min_activity_count", "after_hours_threshold"}
}

func (a AfterHoursActivity) Evaluate(f normalize.Features, _ *OrgContext, p Params) (Result, error) {
	minEvents, err := p.Int("min_activity_count")
	if err != nil {
		return Result{}, err
	}
	threshold, err := p.Float("after_hours_threshold")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.InsufficientData || f.EventCount < minEvents {
		return InsufficientData(fmt.Sprintf("%d activity events, need %d", f.EventCount, minEvents)), nil
	}
	if f.AfterHoursRatio < threshold {
		return Clear(), nil
	}
	out := finding(a, f, f.AfterHoursRatio, map[string]any{
		"after_hours_ratio": f.AfterHoursRatio,
		"event_count":       f.EventCount,
	})
	return Detected(out), nil
}

// SoDConflict reports one finding per enabled conflict rule a user violates.
type SoDConflict struct{}

func (SoDConflict) ID() string          { return "sod_conflict" }
func (SoDConflict) Type() Type          { return TypeSoDViolation }
func (SoDConflict) Signal() SignalRange { return Count(0, 4) }
func (SoDConflict) Requires() []string  { return nil }

func (a SoDConflict) Evaluate(f normalize.Features, org *OrgContext, _ Params) (Result, error) {
	matrix := org.Conflict.Matrix
	if matrix == nil {
		return Result{}, shared.ConfigError("conflict matrix not loaded")
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	violations := conflict.DetectUser(matrix, f.User.ID, f.RoleKeys())
	if len(violations) == 0 {
		return Clear(), nil
	}
	findings := make([]Finding, 0, len(violations))
	for _, v := range violations {
		out := finding(a, f, float64(v.Severity.Rank()), map[string]any{
			"rule_id":        v.RuleID,
			"role_a":         v.RoleA,
			"role_b":         v.RoleB,
			"severity":       string(v.Severity),
			"category":       v.Category,
			"risk_type":      v.RiskType,
			"description":    v.Description,
			"matrix_version": matrix.Version(),
		})
		out.Subject = v.RuleID
		out.Severity = v.Severity
		findings = append(findings, out)
	}
	return Detected(findings...), nil
}

// SecurityRiskScore gathers the components of the aggregate risk score. The
// weighted sum itself is computed by the scorer from configured weights.
type SecurityRiskScore struct{}

func (SecurityRiskScore) ID() string          { return "security_risk_score" }
func (SecurityRiskScore) Type() Type          { return TypeAccessRisk }
func (SecurityRiskScore) Signal() SignalRange { return Composite() }
func (SecurityRiskScore) Requires() []string  { return []string{"min_activity_count"} }

func (a SecurityRiskScore) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	minEvents, err := p.Int("min_activity_count")
	if err != nil {
		return Result{}, err
	}
	if org.Conflict.Matrix == nil {
		return Result{}, shared.ConfigError("conflict matrix not loaded")
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	if len(f.Roles) == 0 {
		return Clear(), nil
	}

	components := map[string]float64{
		ComponentSoD:            0,
		ComponentPrivilegeCreep: 0,
		ComponentAnomaly:        0,
		ComponentOrphaned:       0,
	}
	violations := conflict.DetectUser(org.Conflict.Matrix, f.User.ID, f.RoleKeys())
	for _, v := range violations {
		if s := float64(v.Severity.Rank()) / 4; s > components[ComponentSoD] {
			components[ComponentSoD] = s
		}
	}
	if !f.User.Active {
		// Disabled accounts have no activity to measure.
		components[ComponentOrphaned] = 1
	} else {
		if f.InsufficientData || f.EventCount < minEvents {
			return InsufficientData(fmt.Sprintf("%d activity events, need %d", f.EventCount, minEvents)), nil
		}
		share, _, _ := unusedRoleShare(f, org)
		components[ComponentPrivilegeCreep] = share
		components[ComponentAnomaly] = f.AfterHoursRatio
	}

	nonZero := false
	for _, v := range components {
		if v > 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return Clear(), nil
	}
	out := finding(a, f, 0, map[string]any{
		"components":     components,
		"sod_violations": len(violations),
	})
	out.Components = components
	return Detected(out), nil
}
