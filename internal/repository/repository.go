// Copyright 2025 James Ross

// Package repository implements C4: the typed read/write boundary over the
// store driver (C2) and the atomic scripts (C3). Every job-level multi-key
// mutation goes through a script; this package's own Redis calls are
// single-key reads, a few single-key writes (e.g. progress), the
// server/mesh registry writes, and DeleteJob's pipelined removal of an
// already-terminal job (spec §4.1, §9).
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/scripts"
	"github.com/redis/go-redis/v9"
)

// Repository is the single entry point the worker, producer, and
// maintenance loops use to talk to the store.
type Repository struct {
	rdb     redis.Scripter
	plain   *redis.Client
	schema  keys.Schema
	scripts *scripts.Registry
}

// New builds a Repository. rdb is used for both script execution and plain
// commands, so callers should pass redisclient.Driver.Primary().
func New(rdb *redis.Client, namespace string) *Repository {
	return &Repository{
		rdb:     rdb,
		plain:   rdb,
		schema:  keys.New(namespace),
		scripts: scripts.New(namespace),
	}
}

// Schema exposes the key layout for callers that need to build queue
// candidate lists (e.g. internal/queuetopology).
func (r *Repository) Schema() keys.Schema { return r.schema }

// CreateJob runs the create-job script (spec §4.3).
func (r *Repository) CreateJob(ctx context.Context, in scripts.CreateJobInput) (scripts.CreateJobResult, error) {
	return r.scripts.CreateJob(ctx, r.rdb, r.schema, in)
}

// ClaimJob runs the claim-job script for one worker tick (spec §4.6).
func (r *Repository) ClaimJob(ctx context.Context, meshID string, in scripts.ClaimJobInput) (scripts.ClaimJobResult, error) {
	return r.scripts.ClaimJob(ctx, r.rdb, r.schema, meshID, in)
}

// CompleteJob runs the complete-job script (spec §4.7 happy path).
func (r *Repository) CompleteJob(ctx context.Context, in scripts.CompleteJobInput) error {
	return r.scripts.CompleteJob(ctx, r.rdb, r.schema, in)
}

// RetryJob runs the retry-job script (spec §4.7 failure path).
func (r *Repository) RetryJob(ctx context.Context, in scripts.RetryJobInput) error {
	return r.scripts.RetryJob(ctx, r.rdb, r.schema, in)
}

// CancelJob runs the cancel-job script (spec §4.8).
func (r *Repository) CancelJob(ctx context.Context, in scripts.CancelJobInput) (scripts.CancelJobResult, error) {
	return r.scripts.CancelJob(ctx, r.rdb, r.schema, in)
}

// ProcessDelayed runs the delayed-set promotion sweep (spec §4.5).
func (r *Repository) ProcessDelayed(ctx context.Context, now int64, batchSize int) (scripts.ProcessDelayedResult, error) {
	return r.scripts.ProcessDelayed(ctx, r.rdb, r.schema, now, batchSize)
}

// DetectStalled runs the stall-detection sweep for one server (spec §4.8).
func (r *Repository) DetectStalled(ctx context.Context, serverID string, now, stallDeadline int64, maxStallCount, batchSize int) (scripts.DetectStalledResult, error) {
	return r.scripts.DetectStalled(ctx, r.rdb, r.schema, serverID, now, stallDeadline, maxStallCount, batchSize)
}

// RateLimitCheck runs the standalone rate-limit pre-admission check (spec §4.11).
func (r *Repository) RateLimitCheck(ctx context.Context, in scripts.RateLimitCheckInput) (scripts.RateLimitCheckResult, error) {
	return r.scripts.RateLimitCheck(ctx, r.rdb, r.schema, in)
}

// FinalizeBatch runs the finalize-batch script (spec §4.3): converts an
// accumulation of job ids into a queued batch job.
func (r *Repository) FinalizeBatch(ctx context.Context, batchID, meshID, jobType string, priority int, now int64) (scripts.FinalizeBatchResult, error) {
	return r.scripts.FinalizeBatch(ctx, r.rdb, r.schema, batchID, meshID, jobType, priority, now)
}

// BatchStatus reports a batch's completion tally, marking it completed and
// publishing batch.completed the first time every member reaches a terminal
// status (spec §C batching).
func (r *Repository) BatchStatus(ctx context.Context, batchID string, now int64) (scripts.BatchStatusResult, error) {
	return r.scripts.BatchStatus(ctx, r.rdb, r.schema, batchID, now)
}

// AddToBatch adds a job id to a batch's accumulation set, the caller-driven
// step that precedes finalize-batch (spec §4.3: some other path already
// populated the accumulation key before finalize-batch runs).
func (r *Repository) AddToBatch(ctx context.Context, batchID, jobID string) error {
	return r.plain.SAdd(ctx, r.schema.BatchAccumulation(batchID), jobID).Err()
}

// GetJob reads a job's full record with a handful of single-key commands
// (HGETALL/GET/LRANGE/SMEMBERS), none of which need atomicity with each
// other: a concurrent mutation can only ever move the job forward, and
// every field read here is last-write-wins for observability purposes.
func (r *Repository) GetJob(ctx context.Context, id string) (model.Job, error) {
	fields, err := r.plain.HGetAll(ctx, r.schema.JobMeta(id)).Result()
	if err != nil {
		return model.Job{}, fmt.Errorf("get job meta: %w", err)
	}
	if len(fields) == 0 {
		return model.Job{}, ErrNotFound
	}
	job := keys.ParseMeta(id, fields)

	if payload, err := r.plain.Get(ctx, r.schema.JobPayload(id)).Bytes(); err == nil {
		job.Payload = payload
	} else if err != redis.Nil {
		return model.Job{}, fmt.Errorf("get job payload: %w", err)
	}

	if result, err := r.plain.Get(ctx, r.schema.JobResult(id)).Bytes(); err == nil {
		job.Result = result
	} else if err != redis.Nil {
		return model.Job{}, fmt.Errorf("get job result: %w", err)
	}

	if depends, err := r.plain.SMembers(ctx, r.schema.JobDepends(id)).Result(); err == nil {
		job.DependsOn = depends
	}
	if waiters, err := r.plain.SMembers(ctx, r.schema.JobWaiters(id)).Result(); err == nil {
		job.Waiters = waiters
	}

	return job, nil
}

// GetJobConfig reads a job's structured configuration.
func (r *Repository) GetJobConfig(ctx context.Context, id string) (model.JobConfig, error) {
	raw, err := r.plain.Get(ctx, r.schema.JobConfig(id)).Bytes()
	if err == redis.Nil {
		return model.JobConfig{}, ErrNotFound
	}
	if err != nil {
		return model.JobConfig{}, fmt.Errorf("get job config: %w", err)
	}
	return unmarshalJobConfig(raw)
}

// SetProgress is the one in-place single-key write the spec allows outside
// a script: a worker reporting incremental progress on a job it already
// holds the claim for doesn't need to contend with any other mutator of
// that key (spec §4.1).
func (r *Repository) SetProgress(ctx context.Context, id string, progress float64, now int64) error {
	return r.plain.HSet(ctx, r.schema.JobMeta(id), "progress", progress, "updatedAt", now).Err()
}

// ListDLQ returns up to count job ids from a mesh's dead-letter queue,
// oldest-failed-first.
func (r *Repository) ListDLQ(ctx context.Context, meshID string, offset, count int64) ([]string, error) {
	return r.plain.ZRange(ctx, r.schema.DLQ(meshID), offset, offset+count-1).Result()
}

// ListTerminal returns up to count completed/cancelled job ids from a
// mesh's terminal set, oldest-first, for the clean sweep's retention check
// (spec §4.9).
func (r *Repository) ListTerminal(ctx context.Context, meshID string, offset, count int64) ([]string, error) {
	return r.plain.ZRange(ctx, r.schema.TerminalSet(meshID), offset, offset+count-1).Result()
}

// TypeTuple is one populated (type, priority) combination within a mesh.
type TypeTuple struct {
	JobType  string
	Priority int
}

// ListTypes reads the set of (type, priority) tuples a mesh currently has
// jobs under, driving claim-job's candidate list without a keyspace-wide
// scan (spec §9, resolved in SPEC_FULL.md §E.1).
func (r *Repository) ListTypes(ctx context.Context, meshID string) ([]TypeTuple, error) {
	members, err := r.plain.SMembers(ctx, r.schema.TypesSet(meshID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list types: %w", err)
	}
	out := make([]TypeTuple, 0, len(members))
	for _, m := range members {
		t, p, err := keys.DecodeTypesSetMember(m)
		if err != nil {
			continue
		}
		out = append(out, TypeTuple{JobType: t, Priority: p})
	}
	return out, nil
}

// Primary exposes the underlying client for callers that need a plain
// command this package doesn't wrap yet (e.g. registry/heartbeat writes).
func (r *Repository) Primary() *redis.Client { return r.plain }

// Heartbeat records that serverID is alive as of now, so the maintenance
// loop's stall sweep knows to visit its active set (spec §4.2, §4.8).
func (r *Repository) Heartbeat(ctx context.Context, serverID string, now int64) error {
	return r.plain.ZAdd(ctx, r.schema.ServersHeartbeat(), redis.Z{Score: float64(now), Member: serverID}).Err()
}

// ListServers returns every server whose heartbeat is newer than
// (now - ttl), and opportunistically evicts older entries so a crashed
// server's active set eventually stops being swept forever.
func (r *Repository) ListServers(ctx context.Context, now int64, ttl int64) ([]string, error) {
	key := r.schema.ServersHeartbeat()
	if err := r.plain.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", now-ttl)).Err(); err != nil {
		return nil, fmt.Errorf("evict stale servers: %w", err)
	}
	return r.plain.ZRange(ctx, key, 0, -1).Result()
}

// RegisterServer writes a server's full record (spec §3: "lifetime bounded
// by a TTL refreshed by heartbeat") and auto-creates its mesh(es) on first
// sight (spec §3: "Mesh ... Auto-created on first server registration").
// It also touches the lightweight ServersHeartbeat sorted set the stall
// sweep reads. A repeated call for the same server rewrites the hash and
// resets its TTL; the worker's heartbeat loop does not call it again but
// uses Heartbeat and RefreshServerTTL instead.
func (r *Repository) RegisterServer(ctx context.Context, srv model.Server, now, ttlMs int64) error {
	srv.LastHeartbeat = now
	if err := r.plain.HSet(ctx, r.schema.Server(srv.ID), keys.ServerFields(srv)).Err(); err != nil {
		return fmt.Errorf("register server: %w", err)
	}
	if err := r.plain.Expire(ctx, r.schema.Server(srv.ID), time.Duration(ttlMs)*time.Millisecond).Err(); err != nil {
		return fmt.Errorf("register server ttl: %w", err)
	}
	for _, meshID := range srv.MeshIDs {
		if err := r.ensureMesh(ctx, meshID, now); err != nil {
			return err
		}
		if err := r.plain.SAdd(ctx, r.schema.MeshMembers(meshID), srv.ID).Err(); err != nil {
			return fmt.Errorf("add mesh member: %w", err)
		}
	}
	return r.Heartbeat(ctx, srv.ID, now)
}

// ensureMesh auto-creates a mesh record the first time a server names it,
// using HSetNX on one field as the existence guard so two servers racing to
// register into a brand-new mesh don't clobber each other's createdAt.
func (r *Repository) ensureMesh(ctx context.Context, meshID string, now int64) error {
	if err := r.plain.SAdd(ctx, r.schema.MeshesSet(), meshID).Err(); err != nil {
		return fmt.Errorf("track mesh: %w", err)
	}
	created, err := r.plain.HSetNX(ctx, r.schema.Mesh(meshID), "id", meshID).Result()
	if err != nil {
		return fmt.Errorf("ensure mesh: %w", err)
	}
	if !created {
		return nil
	}
	fields := keys.MeshFields(model.Mesh{ID: meshID, Name: meshID, CreatedAt: now})
	delete(fields, "id")
	return r.plain.HSet(ctx, r.schema.Mesh(meshID), fields).Err()
}

// ListMeshes returns every mesh id a server has ever registered under,
// letting the maintenance clean sweep enumerate meshes to retire (spec
// §4.9) without a keyspace-wide SCAN.
func (r *Repository) ListMeshes(ctx context.Context) ([]string, error) {
	ids, err := r.plain.SMembers(ctx, r.schema.MeshesSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("list meshes: %w", err)
	}
	return ids, nil
}

// RefreshServerTTL updates the server record's lastHeartbeat field and
// resets its TTL, without rewriting the rest of the record (called from the
// worker's own heartbeat loop, separately from the one-time RegisterServer
// at startup).
func (r *Repository) RefreshServerTTL(ctx context.Context, serverID string, ttlMs int64) error {
	key := r.schema.Server(serverID)
	if err := r.plain.HSet(ctx, key, "lastHeartbeat", model.NowMs(time.Now())).Err(); err != nil {
		return fmt.Errorf("refresh server heartbeat field: %w", err)
	}
	return r.plain.Expire(ctx, key, time.Duration(ttlMs)*time.Millisecond).Err()
}

// GetServer reads back a registered server's record, or ErrNotFound once its
// TTL has expired (spec §3: "absence ⇒ server considered dead").
func (r *Repository) GetServer(ctx context.Context, id string) (model.Server, error) {
	fields, err := r.plain.HGetAll(ctx, r.schema.Server(id)).Result()
	if err != nil {
		return model.Server{}, fmt.Errorf("get server: %w", err)
	}
	if len(fields) == 0 {
		return model.Server{}, ErrNotFound
	}
	return keys.ParseServer(id, fields), nil
}

// GetMesh reads back a mesh's registry record.
func (r *Repository) GetMesh(ctx context.Context, id string) (model.Mesh, error) {
	fields, err := r.plain.HGetAll(ctx, r.schema.Mesh(id)).Result()
	if err != nil {
		return model.Mesh{}, fmt.Errorf("get mesh: %w", err)
	}
	if len(fields) == 0 {
		return model.Mesh{}, ErrNotFound
	}
	return keys.ParseMesh(id, fields), nil
}

// ListMeshMembers returns every server id ever registered into a mesh. A
// member's own TTL'd server record (not this set) is the liveness signal;
// callers should pair this with GetServer/ListServers to filter dead ones.
func (r *Repository) ListMeshMembers(ctx context.Context, meshID string) ([]string, error) {
	return r.plain.SMembers(ctx, r.schema.MeshMembers(meshID)).Result()
}

// DeregisterServer removes a server's record and heartbeat entry on clean
// shutdown (spec §3 status=offline path); the maintenance stall sweep no
// longer visits its active set once this returns. Jobs still recorded in
// its active set are left for detect-stalled to recover, same as a crash.
func (r *Repository) DeregisterServer(ctx context.Context, serverID string) error {
	if err := r.plain.Del(ctx, r.schema.Server(serverID)).Err(); err != nil {
		return fmt.Errorf("deregister server: %w", err)
	}
	return r.plain.ZRem(ctx, r.schema.ServersHeartbeat(), serverID).Err()
}

// DeleteJob removes a terminal job's keys and its DLQ/terminal-set entry.
// Only valid for jobs already in a terminal status; callers (the
// maintenance clean sweep) are responsible for that check.
func (r *Repository) DeleteJob(ctx context.Context, id, meshID string) error {
	pipe := r.plain.TxPipeline()
	pipe.Del(ctx, r.schema.JobMeta(id), r.schema.JobConfig(id), r.schema.JobPayload(id),
		r.schema.JobResult(id), r.schema.JobErrors(id), r.schema.JobDepends(id), r.schema.JobWaiters(id))
	pipe.ZRem(ctx, r.schema.DLQ(meshID), id)
	pipe.ZRem(ctx, r.schema.TerminalSet(meshID), id)
	_, err := pipe.Exec(ctx)
	return err
}

// RenewClaim refreshes the active-set score for a job a worker is still
// processing, extending it past the stall-detection deadline (spec §4.8:
// "renew every stallTimeout/lockRenewalDivisor"). XX ensures a job that
// stall-detection already reclaimed is never resurrected by a late renewal
// racing against it.
func (r *Repository) RenewClaim(ctx context.Context, serverID, jobID string, now int64) error {
	return r.plain.ZAddArgs(ctx, r.schema.ActiveSet(serverID), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(now), Member: jobID}},
	}).Err()
}
