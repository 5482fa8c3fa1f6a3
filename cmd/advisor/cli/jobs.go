// Package cli holds operator helpers for the advisor's background queues.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/access-advisor/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	orgID     string
	timeout   time.Duration
}

// NewJobsCLI initialises the CLI helpers against the queue Redis.
func NewJobsCLI(opts asynq.RedisClientOpt, orgID string, batchTimeout time.Duration) (*JobsCLI, error) {
	if orgID == "" {
		return nil, errors.New("jobs cli: org id required")
	}
	return &JobsCLI{
		client:    asynq.NewClient(opts),
		inspector: asynq.NewInspector(opts),
		orgID:     orgID,
		timeout:   batchTimeout,
	}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a job by name. "batch" takes no arguments, "user" takes
// the user id, and the maintenance tasks take none.
func (c *JobsCLI) Trigger(ctx context.Context, name string, args ...string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, opts, err := c.Task(name, args...)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, opts...)
}

// Task builds the task and enqueue options for a named job.
func (c *JobsCLI) Task(name string, args ...string) (*asynq.Task, []asynq.Option, error) {
	switch name {
	case "batch":
		task, err := jobs.NewBatchAnalysisTask(c.orgID, nil)
		return task, jobs.BatchOptions(c.timeout), err
	case "user":
		if len(args) != 1 || args[0] == "" {
			return nil, nil, errors.New("jobs cli: user analysis needs exactly one user id")
		}
		task, err := jobs.NewUserAnalysisTask(c.orgID, args[0])
		return task, []asynq.Option{asynq.Queue(jobs.QueueOnDemand), asynq.MaxRetry(1)}, err
	case "expire":
		return jobs.NewExpireRecommendationsTask(), []asynq.Option{asynq.MaxRetry(3)}, nil
	case "reload":
		return jobs.NewMatrixReloadTask(), []asynq.Option{asynq.MaxRetry(3)}, nil
	case "sweep":
		return jobs.NewRunSweepTask(), []asynq.Option{asynq.MaxRetry(3)}, nil
	default:
		return nil, nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueues reports the metrics of both advisor queues. Queues that were
// never used report zeros.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueDefault, jobs.QueueOnDemand} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return nil, err
		case info != nil:
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
		}
		out = append(out, stats)
	}
	return out, nil
}
