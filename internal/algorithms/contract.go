// Package algorithms holds the detection algorithm portfolio. Every algorithm
// is a pure evaluation over one user's features plus a read-only OrgContext
// and reports a typed Result instead of signalling "no data" through errors.
package algorithms

import (
	"time"

	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/pricing"
)

// Type classifies the recommendation a finding leads to.
type Type string

const (
	TypeLicenseDowngrade Type = "LICENSE_DOWNGRADE"
	TypeLicenseRemoval   Type = "LICENSE_REMOVAL"
	TypeRoleCleanup      Type = "ROLE_CLEANUP"
	TypeAccessRisk       Type = "ACCESS_RISK"
	TypeSoDViolation     Type = "SOD_VIOLATION"
)

// SignalKind names the transform the scorer applies to a raw signal.
type SignalKind string

const (
	SignalRatio     SignalKind = "ratio"
	SignalCount     SignalKind = "count"
	SignalBoolean   SignalKind = "boolean"
	SignalComposite SignalKind = "composite"
)

// SignalRange declares the domain of an algorithm's raw signal.
type SignalRange struct {
	Kind SignalKind `json:"kind"`
	Min  float64    `json:"min"`
	Max  float64    `json:"max"`
}

// Ratio is the [0,1] range.
func Ratio() SignalRange { return SignalRange{Kind: SignalRatio, Min: 0, Max: 1} }

// Count is a clamped integer range.
func Count(lo, hi float64) SignalRange { return SignalRange{Kind: SignalCount, Min: lo, Max: hi} }

// Boolean is the {0,1} range.
func Boolean() SignalRange { return SignalRange{Kind: SignalBoolean, Min: 0, Max: 1} }

// Composite is a [0,1] weighted sum computed by the scorer from components.
func Composite() SignalRange { return SignalRange{Kind: SignalComposite, Min: 0, Max: 1} }

// Normalize maps a raw signal into [0,1] according to the declared kind.
func (r SignalRange) Normalize(v float64) float64 {
	switch r.Kind {
	case SignalBoolean:
		if v > 0 {
			return 1
		}
		return 0
	case SignalCount:
		if r.Max <= r.Min {
			return 0
		}
		return clamp01((v - r.Min) / (r.Max - r.Min))
	default:
		return clamp01(v)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Finding is an unscored signal for one user. Subject discriminates several
// findings of the same algorithm for the same user, such as one per SoD rule.
type Finding struct {
	AlgorithmID        string             `json:"algorithm_id"`
	UserID             string             `json:"user_id"`
	Type               Type               `json:"type"`
	Subject            string             `json:"subject,omitempty"`
	Signal             float64            `json:"signal"`
	Severity           conflict.Severity  `json:"severity,omitempty"`
	RecommendedLicense string             `json:"recommended_license,omitempty"`
	Components         map[string]float64 `json:"components,omitempty"`
	Evidence           map[string]any     `json:"evidence"`
}

// Outcome discriminates the Result variants.
type Outcome int

const (
	OutcomeClear Outcome = iota
	OutcomeDetected
	OutcomeInsufficientData
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeInsufficientData:
		return "insufficient_data"
	default:
		return "clear"
	}
}

// Result is what an evaluation produced for one user.
type Result struct {
	Outcome  Outcome
	Findings []Finding
	Reason   string
}

// Detected reports one or more findings.
func Detected(findings ...Finding) Result {
	return Result{Outcome: OutcomeDetected, Findings: findings}
}

// Clear reports that the condition is absent.
func Clear() Result { return Result{Outcome: OutcomeClear} }

// InsufficientData reports that the inputs were too thin to evaluate.
func InsufficientData(reason string) Result {
	return Result{Outcome: OutcomeInsufficientData, Reason: reason}
}

// unknownRoles is the result of any role-based check when the assignment
// feed is missing.
func unknownRoles() Result {
	return InsufficientData("role assignment feed missing")
}

// OrgContext is the shared, read-only context of one run.
type OrgContext struct {
	OrgID    string
	AsOf     time.Time
	Pricing  *pricing.Table
	Conflict conflict.Snapshot
}

// Algorithm is implemented by every detector.
type Algorithm interface {
	ID() string
	Type() Type
	Signal() SignalRange
	// Requires lists the parameter keys that must be configured.
	Requires() []string
	Evaluate(f normalize.Features, org *OrgContext, params Params) (Result, error)
}

func finding(a Algorithm, f normalize.Features, signal float64, evidence map[string]any) Finding {
	return Finding{
		AlgorithmID: a.ID(),
		UserID:      f.User.ID,
		Type:        a.Type(),
		Signal:      signal,
		Evidence:    evidence,
	}
}
