package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
)

const (
	// QueueDefault carries scheduled batch and maintenance work.
	QueueDefault = "default"
	// QueueOnDemand carries reviewer-triggered single-user analysis.
	QueueOnDemand = "on_demand"

	// TaskBatchAnalysis scans a whole organisation.
	TaskBatchAnalysis = "analysis:batch"
	// TaskUserAnalysis analyzes a single user on demand.
	TaskUserAnalysis = "analysis:user"
	// TaskExpireRecommendations expires stale PENDING/APPROVED recommendations.
	TaskExpireRecommendations = "recommendations:expire"
	// TaskMatrixReload re-reads the conflict matrix and its overrides.
	TaskMatrixReload = "conflict:reload"
	// TaskRunSweep fails algorithm runs abandoned in RUNNING.
	TaskRunSweep = "runs:sweep"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BatchAnalysisPayload identifies the organisation to scan. A nil AsOf
// anchors the analysis window at processing time.
type BatchAnalysisPayload struct {
	OrgID string     `json:"org_id"`
	AsOf  *time.Time `json:"as_of,omitempty"`
}

// UserAnalysisPayload identifies a single user.
type UserAnalysisPayload struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
}

// NewBatchAnalysisTask constructs an Asynq task for a batch scan.
func NewBatchAnalysisTask(orgID string, asOf *time.Time) (*asynq.Task, error) {
	if orgID == "" {
		return nil, errors.New("jobs: batch analysis requires an org id")
	}
	data, err := json.Marshal(BatchAnalysisPayload{OrgID: orgID, AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchAnalysis, data), nil
}

// NewUserAnalysisTask constructs an Asynq task for on-demand analysis.
func NewUserAnalysisTask(orgID, userID string) (*asynq.Task, error) {
	if orgID == "" || userID == "" {
		return nil, errors.New("jobs: user analysis requires org and user ids")
	}
	data, err := json.Marshal(UserAnalysisPayload{OrgID: orgID, UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUserAnalysis, data), nil
}

// NewExpireRecommendationsTask constructs the expiration sweep task.
func NewExpireRecommendationsTask() *asynq.Task {
	return asynq.NewTask(TaskExpireRecommendations, nil)
}

// NewMatrixReloadTask constructs the matrix reload task.
func NewMatrixReloadTask() *asynq.Task {
	return asynq.NewTask(TaskMatrixReload, nil)
}

// NewRunSweepTask constructs the stale run sweep task.
func NewRunSweepTask() *asynq.Task {
	return asynq.NewTask(TaskRunSweep, nil)
}
