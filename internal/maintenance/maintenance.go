// Copyright 2025 James Ross

// Package maintenance implements C9: the three independent periodic
// sweeps spec §4.5/§4.8/§4.9 describe — promoting delayed/scheduled jobs,
// detecting and recovering stalled claims, and cleaning retained terminal
// jobs past their retention window. Each runs on its own ticker, the same
// single-ticker-loop idiom the teacher's reaper used for its one sweep.
package maintenance

import (
	"context"
	"time"

	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/obslog"
	"github.com/bridgemq/bridgemq/internal/repository"
	"go.uber.org/zap"
)

// Maintainer runs the promote/stall/clean sweeps for one store namespace.
type Maintainer struct {
	cfg  *config.Config
	repo *repository.Repository
	log  *zap.Logger
}

// New builds a Maintainer.
func New(cfg *config.Config, repo *repository.Repository, log *zap.Logger) *Maintainer {
	return &Maintainer{cfg: cfg, repo: repo, log: log}
}

// Run starts all three sweeps and blocks until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	go m.loop(ctx, m.cfg.Maintenance.PromoteInterval, m.promoteOnce)
	go m.loop(ctx, m.cfg.Maintenance.StallInterval, m.detectStalledOnce)
	go m.loop(ctx, m.cfg.Maintenance.CleanInterval, m.cleanOnce)
	<-ctx.Done()
}

func (m *Maintainer) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Maintainer) promoteOnce(ctx context.Context) {
	now := model.NowMs(time.Now())
	result, err := m.repo.ProcessDelayed(ctx, now, m.cfg.Maintenance.PromoteBatchSize)
	if err != nil {
		m.log.Warn("promote delayed sweep failed", obslog.Err(err))
		return
	}
	if result.Promoted > 0 {
		m.log.Info("promoted delayed jobs", obslog.Int("count", result.Promoted))
	}
}

func (m *Maintainer) detectStalledOnce(ctx context.Context) {
	now := model.NowMs(time.Now())
	servers, err := m.repo.ListServers(ctx, now, m.cfg.Maintenance.ServerHeartbeatTTL.Milliseconds())
	if err != nil {
		m.log.Warn("list servers failed", obslog.Err(err))
		return
	}
	deadline := now - m.cfg.Maintenance.StallTimeout.Milliseconds()
	for _, serverID := range servers {
		result, err := m.repo.DetectStalled(ctx, serverID, now, deadline, m.cfg.Maintenance.MaxStallCount, m.cfg.Maintenance.PromoteBatchSize)
		if err != nil {
			m.log.Warn("detect stalled sweep failed", obslog.String("serverId", serverID), obslog.Err(err))
			continue
		}
		if result.Recovered > 0 || result.Exhausted > 0 {
			m.log.Info("stall sweep", obslog.String("serverId", serverID),
				obslog.Int("recovered", result.Recovered), obslog.Int("exhausted", result.Exhausted))
		}
	}
}

// cleanOnce deletes terminal jobs past their retention window across every
// mesh a server has ever registered under. It's a best-effort, non-atomic
// pass over each mesh's DLQ and terminal set; reading meta+deleting keys
// for an already-terminal job races with nothing, since nothing else ever
// mutates a terminal job's keys again.
func (m *Maintainer) cleanOnce(ctx context.Context) {
	meshIDs, err := m.repo.ListMeshes(ctx)
	if err != nil {
		m.log.Warn("list meshes failed", obslog.Err(err))
		return
	}
	for _, meshID := range meshIDs {
		if err := m.CleanMesh(ctx, meshID); err != nil {
			m.log.Warn("clean mesh failed", obslog.String("meshId", meshID), obslog.Err(err))
		}
	}
}

// CleanMesh removes terminal jobs from one mesh's DLQ (failed) and
// terminal set (completed/cancelled) once they're older than the
// configured retention for their status (spec §4.9: "delete completed
// jobs older than 24h, cancelled older than 24h, failed older than 7d").
func (m *Maintainer) CleanMesh(ctx context.Context, meshID string) error {
	now := model.NowMs(time.Now())
	batch := int64(m.cfg.Maintenance.PromoteBatchSize)

	dlqIDs, err := m.repo.ListDLQ(ctx, meshID, 0, batch)
	if err != nil {
		return err
	}
	terminalIDs, err := m.repo.ListTerminal(ctx, meshID, 0, batch)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(dlqIDs)+len(terminalIDs))
	ids = append(ids, dlqIDs...)
	ids = append(ids, terminalIDs...)

	for _, id := range ids {
		job, err := m.repo.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if !job.Status.Terminal() {
			continue
		}
		var retention time.Duration
		switch job.Status {
		case model.StatusCancelled:
			retention = m.cfg.Maintenance.CancelledRetention
		case model.StatusCompleted:
			retention = m.cfg.Maintenance.CompletedRetention
		default:
			retention = m.cfg.Maintenance.FailedRetention
		}
		age := time.Duration(now-job.UpdatedAt) * time.Millisecond
		if age < retention {
			continue
		}
		if err := m.repo.DeleteJob(ctx, id, meshID); err != nil {
			m.log.Warn("delete retained job failed", obslog.String("jobId", id), obslog.Err(err))
		}
	}
	return nil
}
