// Copyright 2025 James Ross

// Package worker implements C8: the claim/execute/complete loop (spec
// §4.8). Concurrency is a fixed pool of goroutines, each independently
// ticking, claiming, running the caller's Handler, and reporting the
// outcome back through the repository — the same shape as the teacher's
// per-goroutine BRPOPLPUSH loop, generalized from a single blocking queue
// pop to a routing- and rate-limit-aware atomic claim.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/bridgemq/bridgemq/internal/breaker"
	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/obslog"
	"github.com/bridgemq/bridgemq/internal/queuetopology"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/bridgemq/bridgemq/internal/retrypolicy"
	"github.com/bridgemq/bridgemq/internal/scripts"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler executes one job's payload and returns its result bytes, or an
// error describing why it failed. Wrap an error with bmerr.New/Wrap/Retry
// to control retry eligibility (spec §4.7); a plain error is treated as
// retryable.
type Handler func(ctx context.Context, job model.Job, cfg model.JobConfig) (result []byte, err error)

// Identity describes this worker process for routing (spec §4.6).
type Identity struct {
	ServerID     string
	Stack        string
	Capabilities []string
	Region       string
}

// Worker runs the claim/execute/complete loop across a fixed pool of
// goroutines for one mesh.
type Worker struct {
	cfg      *config.Config
	repo     *repository.Repository
	log      *zap.Logger
	identity Identity
	meshID   string
	types    map[string]bool
	handler  Handler
	cb       *breaker.CircuitBreaker
	limiter  *rate.Limiter
}

// New builds a Worker. types restricts which job types this process's
// goroutines will claim; handler is invoked once per claimed job.
func New(cfg *config.Config, repo *repository.Repository, log *zap.Logger, meshID string, id Identity, types []string, handler Handler) *Worker {
	if id.ServerID == "" {
		host, _ := os.Hostname()
		id.ServerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	// A nil map means "no restriction" to queuetopology.BuildCandidates;
	// an empty (non-nil) types list must mean the same thing, not "match
	// nothing", so only allocate the map when the caller actually named
	// types to restrict to.
	var supported map[string]bool
	if len(types) > 0 {
		supported = make(map[string]bool, len(types))
		for _, t := range types {
			supported[t] = true
		}
	}
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	// Client-side cap on claim attempts per process, independent of the
	// store-side rate-limit-check script: this bounds how hard one
	// process's goroutines hammer the store, not how many jobs any bucket
	// may admit (spec §4.11's gate is per job bucket, not per worker).
	limiter := rate.NewLimiter(rate.Limit(cfg.Worker.LocalClaimRatePerSec), int(cfg.Worker.Concurrency))

	return &Worker{cfg: cfg, repo: repo, log: log, identity: id, meshID: meshID, types: supported, handler: handler, cb: cb, limiter: limiter}
}

// Run registers this process in the mesh, starts the worker pool plus its
// own heartbeat loop, and blocks until ctx is cancelled, then waits up to
// cfg.Worker.ShutdownTimeout for in-flight jobs to finish before
// deregistering (spec §3: server lifetime bounded by a heartbeat-refreshed
// TTL; detect-stalled relies on its heartbeat entry being current, and the
// clean sweep finds the mesh through this registration).
func (w *Worker) Run(ctx context.Context) error {
	now := model.NowMs(time.Now())
	srv := model.Server{
		ID: w.identity.ServerID, Stack: w.identity.Stack, Capabilities: w.identity.Capabilities,
		MeshIDs: []string{w.meshID}, Region: w.identity.Region, Status: model.ServerOnline,
	}
	if err := w.repo.RegisterServer(ctx, srv, now, w.cfg.Maintenance.ServerHeartbeatTTL.Milliseconds()); err != nil {
		return fmt.Errorf("register server: %w", err)
	}
	defer func() {
		if err := w.repo.DeregisterServer(context.WithoutCancel(ctx), w.identity.ServerID); err != nil {
			w.log.Warn("deregister server failed", obslog.Err(err))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		slot := i
		go func() {
			defer wg.Done()
			w.runSlot(ctx, slot)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.Worker.ShutdownTimeout):
		w.log.Warn("worker shutdown timed out with jobs still in flight")
		return ctx.Err()
	}
}

// heartbeatLoop keeps this server's heartbeat entry and registry record
// fresh so ListServers keeps returning it (and detect-stalled keeps
// sweeping its active set) and its server record does not expire mid-run
// (spec §3). The clean sweep does not read or remove server records.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := model.NowMs(time.Now())
			if err := w.repo.Heartbeat(ctx, w.identity.ServerID, now); err != nil {
				w.log.Warn("heartbeat failed", obslog.Err(err))
				continue
			}
			if err := w.repo.RefreshServerTTL(ctx, w.identity.ServerID, w.cfg.Maintenance.ServerHeartbeatTTL.Milliseconds()); err != nil {
				w.log.Warn("refresh server ttl failed", obslog.Err(err))
			}
		}
	}
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.cfg.Worker.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.cb.Allow() {
				continue
			}
			if !w.limiter.Allow() {
				continue
			}
			ok := w.tick(ctx)
			w.cb.Record(ok)
		}
	}
}

// tick attempts one claim and, if successful, runs it to completion. The
// returned bool reflects store-reachability (for the circuit breaker), not
// job outcome: a cleanly-failed job still counts as a healthy tick.
func (w *Worker) tick(ctx context.Context) bool {
	now := model.NowMs(time.Now())

	tuples, err := w.repo.ListTypes(ctx, w.meshID)
	if err != nil {
		w.log.Warn("list types failed", obslog.Err(err))
		return false
	}
	candidates := queuetopology.BuildCandidates(w.repo.Schema(), w.meshID, tuples, w.types)
	if len(candidates) == 0 {
		return true
	}

	claim, err := w.repo.ClaimJob(ctx, w.meshID, scripts.ClaimJobInput{
		ServerID:         w.identity.ServerID,
		WorkerStack:      w.identity.Stack,
		WorkerCapability: w.identity.Capabilities,
		WorkerRegion:     w.identity.Region,
		Candidates:       candidates,
		ScanLimit:        w.cfg.Worker.ClaimScanLimit,
		Now:              now,
	})
	if err != nil {
		w.log.Warn("claim job failed", obslog.Err(err))
		return false
	}
	if !claim.Claimed {
		return true
	}

	w.execute(ctx, claim)
	return true
}

func (w *Worker) execute(ctx context.Context, claim scripts.ClaimJobResult) {
	var cfg model.JobConfig
	if err := unmarshalConfig(claim.ConfigJSON, &cfg); err != nil {
		w.log.Error("claimed job has unreadable config", obslog.String("jobId", claim.JobID), obslog.Err(err))
		return
	}

	job := model.Job{
		ID: claim.JobID, MeshID: claim.MeshID, Type: claim.JobType,
		Priority: claim.Priority, Attempt: claim.Attempt, Status: model.StatusActive,
		ProcessedBy: w.identity.ServerID, Payload: []byte(claim.Payload),
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go w.renewLoop(renewCtx, job.ID)

	result, err := w.handler(ctx, job, cfg)
	now := model.NowMs(time.Now())

	if err == nil {
		w.complete(ctx, job, cfg, result, now)
		return
	}
	w.fail(ctx, job, cfg, err, now)
}

func (w *Worker) renewLoop(ctx context.Context, jobID string) {
	divisor := w.cfg.Worker.LockRenewalDivisor
	if divisor < 1 {
		divisor = 1
	}
	interval := w.cfg.Maintenance.StallTimeout / time.Duration(divisor)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := model.NowMs(time.Now())
			if err := w.repo.RenewClaim(ctx, w.identity.ServerID, jobID, now); err != nil {
				w.log.Warn("renew claim failed", obslog.String("jobId", jobID), obslog.Err(err))
			}
		}
	}
}

func (w *Worker) complete(ctx context.Context, job model.Job, cfg model.JobConfig, result []byte, now int64) {
	err := w.repo.CompleteJob(ctx, scripts.CompleteJobInput{
		JobID: job.ID, MeshID: job.MeshID, JobType: job.Type, ServerID: w.identity.ServerID,
		Now: now, Result: result, RemoveOnComplete: cfg.Behavior.RemoveOnComplete,
	})
	if err != nil {
		w.log.Error("complete job failed", obslog.String("jobId", job.ID), obslog.Err(err))
		return
	}
	w.log.Info("job completed", obslog.String("jobId", job.ID), obslog.String("type", job.Type))
}

func (w *Worker) fail(ctx context.Context, job model.Job, cfg model.JobConfig, cause error, now int64) {
	code := bmerr.StorageFailure
	retryable := true
	if be, ok := cause.(*bmerr.Error); ok {
		code = be.Code
		retryable = be.Retryable
	}

	def := retrypolicy.DefaultFromConfig(
		w.cfg.Retry.MaxAttempts, w.cfg.Retry.Backoff, w.cfg.Retry.BaseDelay,
		w.cfg.Retry.MaxDelay, w.cfg.Retry.JitterFactor, w.cfg.Retry.Enabled,
	)
	decision := retrypolicy.Classify(cfg.Retry, def, job.Attempt, code, retryable, time.Now())

	err := w.repo.RetryJob(ctx, scripts.RetryJobInput{
		JobID: job.ID, MeshID: job.MeshID, JobType: job.Type, Priority: job.Priority,
		ServerID: w.identity.ServerID, Now: now,
		ShouldRetry: decision.ShouldRetry, NextRunAt: decision.NextRunAt,
		ErrorCode: int(code), ErrorMessage: cause.Error(), Retryable: retryable,
	})
	if err != nil {
		w.log.Error("retry job failed", obslog.String("jobId", job.ID), obslog.Err(err))
		return
	}
	w.log.Warn("job failed", obslog.String("jobId", job.ID), obslog.Bool("willRetry", decision.ShouldRetry), obslog.Err(cause))
}
