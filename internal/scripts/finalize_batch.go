// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaFinalizeBatch = luaPrelude + `
-- KEYS[1] batch accumulation set   KEYS[2] batch jobs list
-- KEYS[3] batch meta hash
--
-- ARGV[1] namespace  ARGV[2] batchId  ARGV[3] meshId
-- ARGV[4] jobType    ARGV[5] priority ARGV[6] now

local batchId = ARGV[2]
local meshId = ARGV[3]
local jobType = ARGV[4]
local priority = tonumber(ARGV[5])
local now = tonumber(ARGV[6])

local members = redis.call('SMEMBERS', KEYS[1])
if #members == 0 then
  return cjson.encode({ ok = false, reason = 'empty_batch' })
end

redis.call('HSET', KEYS[3], 'batchId', batchId, 'meshId', meshId, 'createdAt', tostring(now), 'memberCount', tostring(#members))
redis.call('EXPIRE', KEYS[3], 86400)

for _, jobId in ipairs(members) do
  redis.call('RPUSH', KEYS[2], jobId)
  local metaKey = jobKey(jobId, 'meta')
  local jMeshId, jType, jPriority = unpack(redis.call('HMGET', metaKey, 'meshId', 'type', 'priority'))
  if jMeshId then
    redis.call('ZREM', priorityQueueKey(jMeshId, jType, tonumber(jPriority)), jobId)
    redis.call('ZREM', pendingIndexKey(jMeshId), jobId)
    redis.call('HSET', metaKey, 'batchId', batchId, 'status', 'batched', 'updatedAt', tostring(now))
  end
end
redis.call('EXPIRE', KEYS[2], 86400)
redis.call('DEL', KEYS[1])

enqueueJob(batchId, meshId, jobType, priority, now)
redis.call('HSET', jobKey(batchId, 'meta'),
  'id', batchId, 'type', jobType, 'meshId', meshId, 'priority', tostring(priority),
  'status', 'pending', 'attempt', '0', 'stalledCount', '0', 'progress', '0',
  'createdAt', tostring(now), 'scheduledFor', tostring(now), 'claimedAt', '0',
  'completedAt', '0', 'updatedAt', tostring(now), 'processedBy', '', 'batchId', batchId)

publishEvent(meshId, batchId, jobType, nil, cjson.encode({
  event = 'batch.created', batchId = batchId, memberCount = #members, timestamp = now,
}))

return cjson.encode({ ok = true, batchId = batchId, memberCount = #members })
`

const luaBatchStatus = luaPrelude + `
-- KEYS[1] batch jobs list   KEYS[2] batch meta hash
--
-- ARGV[1] namespace  ARGV[2] batchId  ARGV[3] now

local batchId = ARGV[2]
local now = tonumber(ARGV[3])

local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local total = #ids
local completed = 0
local failed = 0
local pending = 0

for _, id in ipairs(ids) do
  local status = redis.call('HGET', jobKey(id, 'meta'), 'status')
  if status == 'completed' then
    completed = completed + 1
  elseif status == 'failed' or status == 'cancelled' then
    failed = failed + 1
  else
    pending = pending + 1
  end
end

if pending == 0 and total > 0 then
  if redis.call('HGET', KEYS[2], 'status') == 'completed' then
    return cjson.encode({ finalized = false, total = total, completed = completed, failed = failed, pending = 0 })
  end
  redis.call('HSET', KEYS[2], 'status', 'completed', 'completedAt', tostring(now),
    'completedCount', tostring(completed), 'failedCount', tostring(failed))
  local meshId = redis.call('HGET', KEYS[2], 'meshId')
  if meshId then
    publishEvent(meshId, '', '', nil, cjson.encode({
      event = 'batch.completed', batchId = batchId, total = total,
      completed = completed, failed = failed, timestamp = now,
    }))
  end
  return cjson.encode({ finalized = true, total = total, completed = completed, failed = failed, pending = 0 })
end

return cjson.encode({ finalized = false, total = total, completed = completed, failed = failed, pending = pending })
`

// FinalizeBatchResult reports whether a batch accumulation was converted
// into a queued batch job (spec §4.3 finalize-batch).
type FinalizeBatchResult struct {
	OK          bool   `json:"ok"`
	Reason      string `json:"reason"`
	BatchID     string `json:"batchId"`
	MemberCount int    `json:"memberCount"`
}

// FinalizeBatch runs the finalize-batch script (spec §4.3): drains an
// accumulation set, pulls each member out of its own priority queue and
// marks it `batched`, then enqueues the batchId itself as one new job in
// the target priority queue.
func (r *Registry) FinalizeBatch(ctx context.Context, c redis.Scripter, sch keys.Schema, batchID, meshID, jobType string, priority int, now int64) (FinalizeBatchResult, error) {
	keysArg := []string{sch.BatchAccumulation(batchID), sch.BatchJobs(batchID), sch.BatchMeta(batchID)}
	argv := []interface{}{sch.Namespace(), batchID, meshID, jobType, priority, now}
	var result FinalizeBatchResult
	if err := runJSON(ctx, r.finalizeBatch, c, keysArg, argv, &result); err != nil {
		return FinalizeBatchResult{}, err
	}
	return result, nil
}

// BatchStatusResult reports a batch's current completion tally, and
// whether this call was the one that pushed it to completed. A convenience
// view over the members `FinalizeBatch` already queued (spec §9's
// `Workflow.getStatus`-equivalent: "best treated as a convenience view on
// top of §3", not a coordination primitive).
type BatchStatusResult struct {
	Finalized bool `json:"finalized"`
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
}

// BatchStatus checks whether every job in a batch has reached a terminal
// state and, if so, marks the batch completed and publishes
// batch.completed. Safe to call repeatedly (idempotent once finalized,
// since every job's status read is terminal from then on).
func (r *Registry) BatchStatus(ctx context.Context, c redis.Scripter, sch keys.Schema, batchID string, now int64) (BatchStatusResult, error) {
	keysArg := []string{sch.BatchJobs(batchID), sch.BatchMeta(batchID)}
	argv := []interface{}{sch.Namespace(), batchID, now}
	var result BatchStatusResult
	if err := runJSON(ctx, r.batchStatus, c, keysArg, argv, &result); err != nil {
		return BatchStatusResult{}, err
	}
	return result, nil
}
