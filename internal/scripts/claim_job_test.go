// Copyright 2025 James Ross
package scripts

import (
	"context"
	"testing"
	"time"

	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestClaimJobMatchesRoutingAndRateLimit(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)

	now := time.Now().UnixMilli()
	job := model.Job{ID: "job-4", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	job.Config.Target = model.Target{Stack: []string{"api"}}

	_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: job, Config: job.Config, Now: now})
	require.NoError(t, err)

	candidates := []ClaimCandidate{{
		QueueKey: sch.PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
	}}

	// A worker with a non-matching stack must not claim it.
	missResult, err := reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1", WorkerStack: "batch", Candidates: candidates, ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)
	require.False(t, missResult.Claimed)

	// A worker with a matching stack claims it.
	hit, err := reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1", WorkerStack: "api", Candidates: candidates, ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)
	require.True(t, hit.Claimed)
	require.Equal(t, "job-4", hit.JobID)
	require.Equal(t, 1, hit.Attempt)

	score, err := c.ZScore(ctx, sch.ActiveSet("srv-1"), "job-4").Result()
	require.NoError(t, err)
	require.Equal(t, float64(now), score)

	status, err := c.HGet(ctx, sch.JobMeta("job-4"), "status").Result()
	require.NoError(t, err)
	require.Equal(t, "active", status)
}

func TestClaimJobRejectsOverConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)

	now := time.Now().UnixMilli()
	cfg := model.JobConfig{RateLimit: model.RateLimitConfig{Key: "bucket-a", MaxConcurrent: 1}}

	for i, id := range []string{"job-5", "job-6"} {
		j := model.Job{ID: id, Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
		_, err := reg.CreateJob(ctx, c, sch, CreateJobInput{Job: j, Config: cfg, Now: now + int64(i)})
		require.NoError(t, err)
	}

	candidates := []ClaimCandidate{{
		QueueKey: sch.PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
	}}

	first, err := reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1", Candidates: candidates, ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)
	require.True(t, first.Claimed)

	second, err := reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1", Candidates: candidates, ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)
	require.False(t, second.Claimed, "second concurrent claim must be rejected by maxConcurrent=1")
}

func TestClaimJobEmptyQueueReturnsUnclaimed(t *testing.T) {
	ctx := context.Background()
	c, sch, reg := newTestStore(t)

	result, err := reg.ClaimJob(ctx, c, sch, "mesh-a", ClaimJobInput{
		ServerID: "srv-1", Candidates: nil, ScanLimit: 10, Now: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.False(t, result.Claimed)
}
