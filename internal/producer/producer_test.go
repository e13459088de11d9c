// Copyright 2025 James Ross
package producer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProducer(t *testing.T) (*Producer, *repository.Repository) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })

	repo := repository.New(c, "bmq")
	cfg := &config.Config{Idempotency: config.Idempotency{DefaultWindow: time.Hour}}
	return New(cfg, repo, zap.NewNop()), repo
}

func TestSubmitRequiresMeshAndType(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProducer(t)

	_, err := p.Submit(ctx, Submission{Type: "email"})
	require.Error(t, err)

	_, err = p.Submit(ctx, Submission{MeshID: "mesh-a"})
	require.Error(t, err)
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestProducer(t)

	result, err := p.Submit(ctx, Submission{MeshID: "mesh-a", Type: "email", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	job, err := repo.GetJob(ctx, result.JobID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, job.Status)
	require.Equal(t, defaultPriority, job.Priority)
}

func TestFinalizeBatchQueuesAccumulatedJobs(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestProducer(t)

	first, err := p.Submit(ctx, Submission{MeshID: "mesh-a", Type: "report"})
	require.NoError(t, err)
	second, err := p.Submit(ctx, Submission{MeshID: "mesh-a", Type: "report"})
	require.NoError(t, err)

	require.NoError(t, p.AddToBatch(ctx, "batch-9", first.JobID))
	require.NoError(t, p.AddToBatch(ctx, "batch-9", second.JobID))

	result, err := p.FinalizeBatch(ctx, "batch-9", "mesh-a", "report-batch", 5)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 2, result.MemberCount)

	job, err := repo.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, model.StatusBatched, job.Status)
}
