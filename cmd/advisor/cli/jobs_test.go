package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/access-advisor/jobs"
)

func TestTaskBuildsAdvisorJobs(t *testing.T) {
	c, err := NewJobsCLI(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, "acme", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	task, opts, err := c.Task("batch")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskBatchAnalysis, task.Type())
	require.NotEmpty(t, opts)
	var batch jobs.BatchAnalysisPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &batch))
	require.Equal(t, "acme", batch.OrgID)
	require.Nil(t, batch.AsOf)

	task, _, err = c.Task("user", "u7")
	require.NoError(t, err)
	var user jobs.UserAnalysisPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &user))
	require.Equal(t, jobs.UserAnalysisPayload{OrgID: "acme", UserID: "u7"}, user)

	for name, want := range map[string]string{
		"expire": jobs.TaskExpireRecommendations,
		"reload": jobs.TaskMatrixReload,
		"sweep":  jobs.TaskRunSweep,
	} {
		task, _, err := c.Task(name)
		require.NoError(t, err)
		require.Equal(t, want, task.Type())
	}
}

func TestTaskRejectsBadInput(t *testing.T) {
	c, err := NewJobsCLI(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, "acme", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, _, err = c.Task("user")
	require.Error(t, err)
	_, _, err = c.Task("reindex")
	require.ErrorContains(t, err, "unsupported job")

	_, err = NewJobsCLI(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, "", time.Hour)
	require.Error(t, err)
}
