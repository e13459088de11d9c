// Copyright 2025 James Ross
package scripts

import (
	"context"
	"testing"
	"time"

	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRetryJobRequeuesWhenEligible(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-8", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	claim, err := reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1",
		Candidates: []ClaimCandidate{{
			QueueKey: sch.PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
		}},
		ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	err = reg.RetryJob(ctx, c, sch, RetryJobInput{
		JobID: "job-8", MeshID: "mesh-a", JobType: "email", Priority: 5, ServerID: "srv-1",
		Now: now + 1, ShouldRetry: true, NextRunAt: now + 1, ErrorCode: 5000, ErrorMessage: "boom", Retryable: true,
	})
	require.NoError(t, err)

	_, err = c.ZScore(ctx, sch.PendingIndex("mesh-a"), "job-8").Result()
	require.NoError(t, err, "retried job should be back in the pending index")

	status, err := c.HGet(ctx, sch.JobMeta("job-8"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "pending", status)

	errs, err := c.LRange(ctx, sch.JobErrors("job-8"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, errs, 1)
}

func TestRetryJobMovesToDLQWhenExhausted(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-9", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	_, err = reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1",
		Candidates: []ClaimCandidate{{
			QueueKey: sch.PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
		}},
		ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)

	err = reg.RetryJob(ctx, c, sch, RetryJobInput{
		JobID: "job-9", MeshID: "mesh-a", JobType: "email", Priority: 5, ServerID: "srv-1",
		Now: now + 1, ShouldRetry: false, ErrorCode: 5000, ErrorMessage: "permanent", Retryable: false,
	})
	require.NoError(t, err)

	status, err := c.HGet(ctx, sch.JobMeta("job-9"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "failed", status)

	dlqScore, err := c.ZScore(ctx, sch.DLQ("mesh-a"), "job-9").Result()
	require.NoError(t, err)
	require.Equal(t, float64(now+1), dlqScore)
}
