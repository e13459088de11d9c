// Copyright 2025 James Ross

// Package producer implements the create-job entry point callers use to
// submit work (spec §4.3). It resolves a job's schedule (cronutil),
// validates its routing target (routing), stamps an id (google/uuid), and
// hands the assembled CreateJobInput to the repository — the same
// struct-holding-cfg/rdb/log shape the teacher's filesystem producer used,
// generalized from "scan a directory" to "accept one job at a time".
package producer

import (
	"context"
	"time"

	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/cronutil"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/bridgemq/bridgemq/internal/routing"
	"github.com/bridgemq/bridgemq/internal/scripts"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Producer accepts job submissions and creates them in the store.
type Producer struct {
	cfg  *config.Config
	repo *repository.Repository
	log  *zap.Logger
}

// New builds a Producer.
func New(cfg *config.Config, repo *repository.Repository, log *zap.Logger) *Producer {
	return &Producer{cfg: cfg, repo: repo, log: log}
}

// Submission is the caller-facing request to create one job.
type Submission struct {
	MeshID          string
	Type            string
	Version         string
	Payload         []byte
	Config          model.JobConfig
	FingerprintHash string
}

// Submit validates and creates a job, returning the assigned id (or the
// pre-existing id if an idempotency/fingerprint key short-circuited it;
// see CreateJobResult.Existing).
func (p *Producer) Submit(ctx context.Context, s Submission) (scripts.CreateJobResult, error) {
	if s.MeshID == "" {
		return scripts.CreateJobResult{}, bmerr.New(bmerr.InvalidConfig, "meshId is required")
	}
	if s.Type == "" {
		return scripts.CreateJobResult{}, bmerr.New(bmerr.InvalidJobType, "type is required")
	}
	if err := routing.Validate(s.Config.Target); err != nil {
		return scripts.CreateJobResult{}, err
	}

	now := time.Now()
	priority := s.Config.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	scheduledFor, err := cronutil.ResolveScheduledFor(
		s.Config.Schedule.DelayMs, s.Config.Schedule.RunAtMs,
		s.Config.Schedule.Cron, s.Config.Schedule.Timezone, now,
	)
	if err != nil {
		return scripts.CreateJobResult{}, err
	}

	version := s.Version
	if version == "" {
		version = "1"
	}

	job := model.Job{
		ID: uuid.NewString(), Type: s.Type, Version: version, MeshID: s.MeshID,
		Priority: priority, ScheduledFor: scheduledFor, CreatedAt: now.UnixMilli(),
	}

	idemWindow := s.Config.Idempotency.Window
	if idemWindow == 0 {
		idemWindow = int64(p.cfg.Idempotency.DefaultWindow.Seconds())
	}

	return p.repo.CreateJob(ctx, scripts.CreateJobInput{
		Job:             job,
		Config:          s.Config,
		Payload:         s.Payload,
		IdempotencyKey:  s.Config.Idempotency.Key,
		IdempotencyTTLS: idemWindow,
		FingerprintHash: s.FingerprintHash,
		FingerprintTTLS: idemWindow,
		DependsOn:       s.Config.Dependencies.WaitFor,
		Now:             now.UnixMilli(),
	})
}

// AddToBatch stages an existing job id into a batch accumulation, the step
// a caller performs before FinalizeBatch (spec §4.3).
func (p *Producer) AddToBatch(ctx context.Context, batchID, jobID string) error {
	return p.repo.AddToBatch(ctx, batchID, jobID)
}

// FinalizeBatch drains a batch accumulation into one queued batch job
// (spec §4.3 finalize-batch).
func (p *Producer) FinalizeBatch(ctx context.Context, batchID, meshID, jobType string, priority int) (scripts.FinalizeBatchResult, error) {
	return p.repo.FinalizeBatch(ctx, batchID, meshID, jobType, priority, time.Now().UnixMilli())
}

const defaultPriority = 5
