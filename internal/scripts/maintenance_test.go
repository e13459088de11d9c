// Copyright 2025 James Ross
package scripts

import (
	"context"
	"testing"
	"time"

	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestProcessDelayedPromotesDueJobs(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-12", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now + 1000, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	result, err := reg.ProcessDelayed(ctx, c, sch, now+500, 10)
	require.NoError(t, err)
	require.Zero(t, result.Promoted, "not yet due")

	result, err = reg.ProcessDelayed(ctx, c, sch, now+2000, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Promoted)

	_, err = c.ZScore(ctx, sch.PendingIndex("mesh-a"), "job-12").Result()
	require.NoError(t, err)
}

func TestProcessDelayedSkipsCancelled(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-13", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now + 1000, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	require.NoError(t, c.HSet(ctx, sch.JobMeta("job-13"), "status", "cancelled").Err())

	result, err := reg.ProcessDelayed(ctx, c, sch, now+2000, 10)
	require.NoError(t, err)
	require.Zero(t, result.Promoted)
}

func TestDetectStalledRecoversWithinMaxCount(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-14", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
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

	result, err := reg.DetectStalled(ctx, c, sch, "srv-1", now+10_000, now+5_000, 3, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Recovered)
	require.Zero(t, result.Exhausted)

	status, err := c.HGet(ctx, sch.JobMeta("job-14"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "pending", status)
}

func TestDetectStalledExhaustsAfterMaxCount(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)
	now := time.Now().UnixMilli()

	job := model.Job{ID: "job-15", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	require.NoError(t, c.HSet(ctx, sch.JobMeta("job-15"), "stalledCount", "3").Err())

	_, err = reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1",
		Candidates: []ClaimCandidate{{
			QueueKey: sch.PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
		}},
		ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)

	result, err := reg.DetectStalled(ctx, c, sch, "srv-1", now+10_000, now+5_000, 3, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Exhausted)

	status, err := c.HGet(ctx, sch.JobMeta("job-15"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "failed", status)

	_, err = c.ZScore(ctx, sch.DLQ("mesh-a"), "job-15").Result()
	require.NoError(t, err)
}
