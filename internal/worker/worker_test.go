// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/bridgemq/bridgemq/internal/scripts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Worker: config.Worker{
			Concurrency: 1, TickInterval: 5 * time.Millisecond, ShutdownTimeout: time.Second,
			LockRenewalDivisor: 3, ClaimScanLimit: 10, LocalClaimRatePerSec: 1000,
			HeartbeatInterval: time.Minute,
		},
		Maintenance: config.Maintenance{StallTimeout: time.Minute, ServerHeartbeatTTL: 5 * time.Minute},
		Retry: config.Retry{
			MaxAttempts: 3, Backoff: "fixed", BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Enabled: true,
		},
		CircuitBreaker: config.CircuitBreaker{
			Window: time.Minute, CooldownPeriod: time.Minute, FailureThreshold: 0.9, MinSamples: 1000,
		},
	}
}

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return repository.New(c, "bmq")
}

func TestWorkerClaimsAndCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	repo := newTestRepo(t)
	now := time.Now().UnixMilli()
	job := model.Job{ID: "w-job-1", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := repo.CreateJob(ctx, scripts.CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	var handled int32
	handler := func(_ context.Context, j model.Job, _ model.JobConfig) ([]byte, error) {
		atomic.AddInt32(&handled, 1)
		return []byte("ok"), nil
	}

	w := New(testConfig(), repo, zap.NewNop(), "mesh-a", Identity{ServerID: "srv-1"}, nil, handler)

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 1
	}, time.Second, 5*time.Millisecond)

	runCancel()
	<-done

	got, err := repo.GetJob(context.Background(), "w-job-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
}

func TestWorkerRetriesOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	repo := newTestRepo(t)
	now := time.Now().UnixMilli()
	job := model.Job{ID: "w-job-2", Type: "email", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := repo.CreateJob(ctx, scripts.CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	handler := func(_ context.Context, j model.Job, _ model.JobConfig) ([]byte, error) {
		return nil, bmerr.Retry(bmerr.StorageFailure, "transient", errors.New("boom"))
	}

	w := New(testConfig(), repo, zap.NewNop(), "mesh-a", Identity{ServerID: "srv-1"}, nil, handler)

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := repo.GetJob(context.Background(), "w-job-2")
		return err == nil && got.Attempt >= 1 && got.Status != model.StatusActive
	}, time.Second, 5*time.Millisecond)

	runCancel()
	<-done
}

func TestWorkerCircuitBreakerOpensAfterStoreErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := repository.New(c, "bmq")

	handler := func(_ context.Context, j model.Job, _ model.JobConfig) ([]byte, error) {
		return []byte("ok"), nil
	}

	cfg := testConfig()
	cfg.CircuitBreaker = config.CircuitBreaker{
		Window: time.Minute, CooldownPeriod: time.Minute, FailureThreshold: 0.5, MinSamples: 3,
	}
	w := New(cfg, repo, zap.NewNop(), "mesh-a", Identity{ServerID: "srv-1"}, nil, handler)

	// Kill the store out from under the worker so every tick's ListTypes
	// call fails, driving the breaker's failure rate past its threshold.
	mr.Close()

	for i := 0; i < 5; i++ {
		ok := w.tick(ctx)
		require.False(t, ok)
		w.cb.Record(ok)
	}
	require.False(t, w.cb.Allow())
}

func TestWorkerRespectsTypeFilterForEmptyList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	repo := newTestRepo(t)
	now := time.Now().UnixMilli()
	job := model.Job{ID: "w-job-3", Type: "sms", MeshID: "mesh-a", Priority: 5, ScheduledFor: now, Version: "1"}
	_, err := repo.CreateJob(ctx, scripts.CreateJobInput{Job: job, Now: now})
	require.NoError(t, err)

	var handled int32
	handler := func(_ context.Context, j model.Job, _ model.JobConfig) ([]byte, error) {
		atomic.AddInt32(&handled, 1)
		return []byte("ok"), nil
	}

	// An empty (but non-nil) types slice must mean "claim everything", not
	// "claim nothing" (see queuetopology.BuildCandidates' nil-map contract).
	w := New(testConfig(), repo, zap.NewNop(), "mesh-a", Identity{ServerID: "srv-1"}, []string{}, handler)

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 1
	}, time.Second, 5*time.Millisecond)

	runCancel()
	<-done
}
