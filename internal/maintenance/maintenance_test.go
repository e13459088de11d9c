// Copyright 2025 James Ross
package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/bridgemq/bridgemq/internal/scripts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return repository.New(c, "bmq")
}

func testConfig() *config.Config {
	return &config.Config{
		Maintenance: config.Maintenance{
			PromoteBatchSize:   100,
			CompletedRetention: 24 * time.Hour,
			CancelledRetention: 24 * time.Hour,
			FailedRetention:    7 * 24 * time.Hour,
		},
	}
}

func TestCleanMeshReapsExpiredCompletedJob(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := New(testConfig(), repo, zap.NewNop())
	now := time.Now().UnixMilli()

	job := model.Job{ID: "clean-1", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := repo.CreateJob(ctx, scripts.CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	claim, err := repo.ClaimJob(ctx, "mesh-a", scripts.ClaimJobInput{
		ServerID: "srv-1",
		Candidates: []scripts.ClaimCandidate{{
			QueueKey: repo.Schema().PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
		}},
		ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	require.NoError(t, repo.CompleteJob(ctx, scripts.CompleteJobInput{
		JobID: "clean-1", MeshID: "mesh-a", JobType: "email", ServerID: "srv-1", Now: now,
	}))

	// Not yet past the 24h retention window: nothing should be reaped.
	require.NoError(t, m.CleanMesh(ctx, "mesh-a"))
	_, err = repo.GetJob(ctx, "clean-1")
	require.NoError(t, err, "job must survive a clean sweep before its retention window elapses")

	// Backdate the job past retention and sweep again.
	require.NoError(t, repo.Primary().HSet(ctx, repo.Schema().JobMeta("clean-1"), "updatedAt",
		now-int64(25*time.Hour/time.Millisecond)).Err())

	require.NoError(t, m.CleanMesh(ctx, "mesh-a"))
	_, err = repo.GetJob(ctx, "clean-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCleanMeshReapsExpiredFailedJob(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := New(testConfig(), repo, zap.NewNop())
	now := time.Now().UnixMilli()

	job := model.Job{ID: "clean-2", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := repo.CreateJob(ctx, scripts.CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	_, err = repo.ClaimJob(ctx, "mesh-a", scripts.ClaimJobInput{
		ServerID: "srv-1",
		Candidates: []scripts.ClaimCandidate{{
			QueueKey: repo.Schema().PriorityQueue("mesh-a", "email", 5), MeshID: "mesh-a", JobType: "email", Priority: 5,
		}},
		ScanLimit: 10, Now: now,
	})
	require.NoError(t, err)

	require.NoError(t, repo.RetryJob(ctx, scripts.RetryJobInput{
		JobID: "clean-2", MeshID: "mesh-a", JobType: "email", Priority: 5, ServerID: "srv-1",
		Now: now, ShouldRetry: false, ErrorCode: 1001, ErrorMessage: "bad payload", Retryable: false,
	}))

	require.NoError(t, repo.Primary().HSet(ctx, repo.Schema().JobMeta("clean-2"), "updatedAt",
		now-int64(8*24*time.Hour/time.Millisecond)).Err())

	require.NoError(t, m.CleanMesh(ctx, "mesh-a"))
	_, err = repo.GetJob(ctx, "clean-2")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCleanOnceSweepsEveryRegisteredMesh(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := New(testConfig(), repo, zap.NewNop())
	now := time.Now().UnixMilli()

	require.NoError(t, repo.RegisterServer(ctx, model.Server{ID: "srv-1", MeshIDs: []string{"mesh-a"}}, now, 300_000))
	require.NoError(t, repo.RegisterServer(ctx, model.Server{ID: "srv-2", MeshIDs: []string{"mesh-b"}}, now, 300_000))

	for _, meshID := range []string{"mesh-a", "mesh-b"} {
		job := model.Job{ID: "clean-" + meshID, Type: "email", MeshID: meshID, Priority: 5, ScheduledFor: now, Version: "1"}
		_, err := repo.CreateJob(ctx, scripts.CreateJobInput{Job: job, Now: now})
		require.NoError(t, err)
		_, err = repo.ClaimJob(ctx, meshID, scripts.ClaimJobInput{
			ServerID: "srv-1",
			Candidates: []scripts.ClaimCandidate{{
				QueueKey: repo.Schema().PriorityQueue(meshID, "email", 5), MeshID: meshID, JobType: "email", Priority: 5,
			}},
			ScanLimit: 10, Now: now,
		})
		require.NoError(t, err)
		require.NoError(t, repo.CompleteJob(ctx, scripts.CompleteJobInput{
			JobID: "clean-" + meshID, MeshID: meshID, JobType: "email", ServerID: "srv-1", Now: now,
		}))
		require.NoError(t, repo.Primary().HSet(ctx, repo.Schema().JobMeta("clean-"+meshID), "updatedAt",
			now-int64(25*time.Hour/time.Millisecond)).Err())
	}

	m.cleanOnce(ctx)

	for _, meshID := range []string{"mesh-a", "mesh-b"} {
		_, err := repo.GetJob(ctx, "clean-"+meshID)
		require.ErrorIs(t, err, repository.ErrNotFound, "cleanOnce must reap every registered mesh, not just one")
	}
}
