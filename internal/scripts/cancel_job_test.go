// Copyright 2025 James Ross
package scripts

import (
	"context"
	"testing"
	"time"

	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestCancelJobFromPending(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-10", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	result, err := reg.CancelJob(ctx, c, sch, CancelJobInput{
		JobID: "job-10", MeshID: "mesh-a", JobType: "email", Priority: 5, IsQueued: true, Now: now + 1,
	})
	require.NoError(t, err)
	require.True(t, result.Cancelled)

	_, err = c.ZScore(ctx, sch.PriorityQueue("mesh-a", "email", 5), "job-10").Result()
	require.Error(t, err)

	_, err = c.ZScore(ctx, sch.PendingIndex("mesh-a"), "job-10").Result()
	require.Error(t, err, "cancelling a job must also remove its pending-index entry")

	status, err := c.HGet(ctx, sch.JobMeta("job-10"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "cancelled", status)
}

func TestCancelJobRejectsTerminal(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-11", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	first, err := reg.CancelJob(ctx, c, sch, CancelJobInput{
		JobID: "job-11", MeshID: "mesh-a", JobType: "email", Priority: 5, IsQueued: true, Now: now + 1,
	})
	require.NoError(t, err)
	require.True(t, first.Cancelled)

	second, err := reg.CancelJob(ctx, c, sch, CancelJobInput{
		JobID: "job-11", MeshID: "mesh-a", JobType: "email", Priority: 5, IsQueued: true, Now: now + 2,
	})
	require.NoError(t, err)
	require.False(t, second.Cancelled)
	require.Equal(t, "not_cancellable", second.Reason)
}

func TestCancelJobRejectsActive(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-16", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
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

	result, err := reg.CancelJob(ctx, c, sch, CancelJobInput{
		JobID: "job-16", MeshID: "mesh-a", JobType: "email", Priority: 5, Now: now + 1,
	})
	require.NoError(t, err)
	require.False(t, result.Cancelled, "an active job is not cancellable; only the stall detector recovers it")
	require.Equal(t, "not_cancellable", result.Reason)

	status, err := c.HGet(ctx, sch.JobMeta("job-16"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "active", status)
}

func TestCancelJobNotFound(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)

	result, err := reg.CancelJob(ctx, c, sch, CancelJobInput{
		JobID: "does-not-exist", MeshID: "mesh-a", JobType: "email", Now: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.False(t, result.Cancelled)
	require.Equal(t, "not_found", result.Reason)
}
