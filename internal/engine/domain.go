// Package engine runs the algorithm portfolio over normalized features,
// records every execution as an AlgorithmRun and hands scored
// recommendations to the lifecycle manager.
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
)

// RunStatus captures the lifecycle of an algorithm run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerBatch    Trigger = "batch"
	TriggerOnDemand Trigger = "on_demand"
)

// AlgorithmRun is one execution of one algorithm across the eligible users.
type AlgorithmRun struct {
	ID                uuid.UUID      `json:"id"`
	OrgID             string         `json:"org_id"`
	AlgorithmID       string         `json:"algorithm_id"`
	Trigger           Trigger        `json:"trigger"`
	Status            RunStatus      `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	UsersProcessed    int            `json:"users_processed"`
	UsersSkipped      int            `json:"users_skipped"`
	UserFailures      int            `json:"user_failures"`
	FindingsGenerated int            `json:"findings_generated"`
	Params            map[string]any `json:"params"`
	DataVersion       string         `json:"data_version"`
	MatrixVersion     string         `json:"matrix_version"`
	Reason            string         `json:"reason"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	OrgID       string
	AlgorithmID string
	Status      RunStatus
	Limit       int
}

// BatchRequest starts a full-organisation scan.
type BatchRequest struct {
	OrgID string
	// AsOf anchors the analysis window. Zero means now.
	AsOf time.Time
}

// Report summarises one batch or on-demand analysis.
type Report struct {
	OrgID           string                           `json:"org_id"`
	Trigger         Trigger                          `json:"trigger"`
	AsOf            time.Time                        `json:"as_of"`
	DataVersion     string                           `json:"data_version"`
	MatrixVersion   string                           `json:"matrix_version"`
	Stats           normalize.Stats                  `json:"stats"`
	Runs            []AlgorithmRun                   `json:"runs"`
	Findings        int                              `json:"findings"`
	Discarded       int                              `json:"discarded"`
	Superseded      int                              `json:"superseded"`
	Replaced        int                              `json:"replaced"`
	Recommendations []recommendations.Recommendation `json:"recommendations"`
}

// Failed counts runs that ended FAILED.
func (r Report) Failed() int {
	n := 0
	for _, run := range r.Runs {
		if run.Status == RunStatusFailed {
			n++
		}
	}
	return n
}
