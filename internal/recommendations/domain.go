// Package recommendations owns the recommendation lifecycle: the state
// machine, its append-only audit trail and the two-tier rollback.
package recommendations

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Status enumerates recommendation lifecycle states.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusImplemented Status = "IMPLEMENTED"
	StatusRolledBack  Status = "ROLLED_BACK"
	StatusExpired     Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRolledBack, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusImplemented, StatusRolledBack, StatusExpired:
		return true
	}
	return false
}

// Action enumerates audit entry actions.
type Action string

const (
	ActionCreated     Action = "CREATED"
	ActionApproved    Action = "APPROVED"
	ActionRejected    Action = "REJECTED"
	ActionImplemented Action = "IMPLEMENTED"
	ActionRolledBack  Action = "ROLLED_BACK"
	ActionExpired     Action = "EXPIRED"
	ActionComment     Action = "COMMENT"
)

// Priority orders recommendations for reviewers.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// SystemActor attributes system-driven transitions.
const SystemActor = "system"

var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionApproved:    {from: []Status{StatusPending}, to: StatusApproved},
	ActionRejected:    {from: []Status{StatusPending}, to: StatusRejected},
	ActionImplemented: {from: []Status{StatusApproved}, to: StatusImplemented},
	ActionRolledBack:  {from: []Status{StatusImplemented}, to: StatusRolledBack},
	ActionExpired:     {from: []Status{StatusPending, StatusApproved}, to: StatusExpired},
}

// Next returns the status an action leads to from current, or a
// StateConflictError when the transition is illegal.
func Next(current Status, action Action) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", &StateConflictError{From: current, Action: action, Reason: fmt.Sprintf("%s is not a transition", action)}
	}
	for _, from := range t.from {
		if from == current {
			return t.to, nil
		}
	}
	return "", &StateConflictError{
		From:   current,
		Action: action,
		Reason: fmt.Sprintf("cannot %s a recommendation in status %s", verb(action), current),
	}
}

func verb(a Action) string {
	switch a {
	case ActionApproved:
		return "approve"
	case ActionRejected:
		return "reject"
	case ActionImplemented:
		return "implement"
	case ActionRolledBack:
		return "roll back"
	case ActionExpired:
		return "expire"
	}
	return string(a)
}

// StateConflictError reports an illegal lifecycle transition.
type StateConflictError struct {
	ID     uuid.UUID
	From   Status
	Action Action
	Reason string
}

func (e *StateConflictError) Error() string {
	if e.ID != uuid.Nil {
		return fmt.Sprintf("recommendation %s: %s", e.ID, e.Reason)
	}
	return e.Reason
}

// Unwrap lets callers match with errors.Is(err, shared.ErrStateConflict).
func (e *StateConflictError) Unwrap() error { return shared.ErrStateConflict }

// ErrNotFound is returned when a recommendation does not exist.
var ErrNotFound = fmt.Errorf("recommendation %w", shared.ErrNotFound)

// ErrVersionMismatch signals a concurrent modification detected by the
// optimistic version check.
var ErrVersionMismatch = errors.New("recommendations: version mismatch")

// PriorState is the license and role state captured before implementation.
type PriorState struct {
	LicenseTier string    `json:"license_tier"`
	Roles       []string  `json:"roles"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Recommendation is a scored, persisted, user-actionable suggestion.
type Recommendation struct {
	ID                 uuid.UUID      `json:"id"`
	OrgID              string         `json:"org_id"`
	RunID              uuid.UUID      `json:"run_id"`
	UserID             string         `json:"user_id"`
	AlgorithmID        string         `json:"algorithm_id"`
	Type               string         `json:"type"`
	Subject            string         `json:"subject,omitempty"`
	Severity           string         `json:"severity,omitempty"`
	Priority           Priority       `json:"priority"`
	Confidence         float64        `json:"confidence"`
	CurrentLicense     string         `json:"current_license"`
	RecommendedLicense string         `json:"recommended_license,omitempty"`
	CurrentCost        float64        `json:"current_cost"`
	RecommendedCost    float64        `json:"recommended_cost"`
	MonthlySavings     float64        `json:"monthly_savings"`
	AnnualSavings      float64        `json:"annual_savings"`
	Currency           string         `json:"currency"`
	Status             Status         `json:"status"`
	Evidence           map[string]any `json:"evidence"`
	PriorState         *PriorState    `json:"prior_state,omitempty"`
	Version            int            `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ExpiresAt          time.Time      `json:"expires_at"`
}

// DedupKey identifies recommendations that supersede each other.
func (r Recommendation) DedupKey() string {
	return r.UserID + "\x00" + r.AlgorithmID + "\x00" + r.Type + "\x00" + r.Subject
}

// AuditEntry is an immutable record of one lifecycle event.
type AuditEntry struct {
	ID               int64     `json:"id"`
	RecommendationID uuid.UUID `json:"recommendation_id"`
	Action           Action    `json:"action"`
	Actor            string    `json:"actor"`
	PreviousStatus   Status    `json:"previous_status,omitempty"`
	NewStatus        Status    `json:"new_status"`
	Comment          string    `json:"comment,omitempty"`
	At               time.Time `json:"at"`
}

// ListFilter narrows List results.
type ListFilter struct {
	OrgID       string
	UserID      string
	AlgorithmID string
	Status      Status
	Limit       int
	Offset      int
}

// TransitionInput carries the caller of a lifecycle operation.
type TransitionInput struct {
	ID      uuid.UUID
	Actor   string
	Comment string
}

// Validate checks required fields.
func (in TransitionInput) Validate() error {
	if in.ID == uuid.Nil {
		return shared.ValidationError("recommendation id required")
	}
	if in.Actor == "" {
		return shared.ValidationError("actor required")
	}
	return nil
}

// CreateResult summarises a Create batch.
type CreateResult struct {
	Created []Recommendation
	// Superseded counts candidates discarded in favour of an active match.
	Superseded int
	// Replaced counts active recommendations expired by a more confident
	// candidate.
	Replaced int
}
