// Copyright 2025 James Ross
package scripts

import (
	"context"
	"fmt"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaCompleteJob = luaPrelude + `
-- KEYS[1] active set for the claiming server
--
-- ARGV[1] namespace  ARGV[2] jobId      ARGV[3] meshId
-- ARGV[4] jobType    ARGV[5] serverId   ARGV[6] now
-- ARGV[7] resultJSON ARGV[8] removeOnComplete ('1'/'0')

local jobId = ARGV[2]
local meshId = ARGV[3]
local jobType = ARGV[4]
local serverId = ARGV[5]
local now = tonumber(ARGV[6])
local resultJSON = ARGV[7]
local removeOnComplete = ARGV[8] == '1'

local metaKey = jobKey(jobId, 'meta')
local owner = redis.call('HGET', metaKey, 'processedBy')
local status = redis.call('HGET', metaKey, 'status')
if owner ~= serverId or status ~= 'active' then
  return cjson.encode({ ok = false, reason = 'not_owner' })
end

local configJSON = redis.call('GET', jobKey(jobId, 'config'))
local config = {}
if configJSON then
  config = cjson.decode(configJSON)
end

redis.call('ZREM', KEYS[1], jobId)
rateLimitRelease(config.rateLimit)
redis.call('HINCRBY', ns .. ':mesh:' .. meshId .. ':counters', 'completed', 1)

if removeOnComplete then
  redis.call('DEL', metaKey, jobKey(jobId, 'config'), jobKey(jobId, 'payload'),
    jobKey(jobId, 'result'), jobKey(jobId, 'errors'), jobKey(jobId, 'depends'))
else
  redis.call('SET', jobKey(jobId, 'result'), resultJSON)
  redis.call('HSET', metaKey, 'status', 'completed', 'completedAt', tostring(now), 'updatedAt', tostring(now))
  redis.call('ZADD', ns .. ':terminal:' .. meshId, now, jobId)
end

publishEvent(meshId, jobId, jobType, serverId, cjson.encode({
  event = 'job.completed', jobId = jobId, serverId = serverId, timestamp = now,
}))

-- Resolve anything waiting on this job: drop it from each waiter's depends
-- set, and once a waiter has none left, move it into its own queue.
local waitersKey = jobKey(jobId, 'waiters')
local waiters = redis.call('SMEMBERS', waitersKey)
for _, waiterId in ipairs(waiters) do
  local dependsKey = jobKey(waiterId, 'depends')
  redis.call('SREM', dependsKey, jobId)
  if redis.call('SCARD', dependsKey) == 0 then
    local wMeta = redis.call('HMGET', jobKey(waiterId, 'meta'),
      'meshId', 'type', 'priority', 'scheduledFor', 'status')
    local wMeshId, wType, wPriority, wScheduledFor, wStatus =
      wMeta[1], wMeta[2], tonumber(wMeta[3]), tonumber(wMeta[4]), wMeta[5]
    if wMeshId and wStatus ~= 'cancelled' and wStatus ~= 'completed' then
      if wScheduledFor and wScheduledFor > now then
        redis.call('ZADD', ns .. ':delayed', wScheduledFor, waiterId)
      else
        enqueueJob(waiterId, wMeshId, wType, wPriority, wScheduledFor or now)
        redis.call('HSET', jobKey(waiterId, 'meta'), 'status', 'pending', 'updatedAt', tostring(now))
      end
    end
  end
end
redis.call('DEL', waitersKey)

-- Chain: on success, publish one chain.step.ready event per configured
-- onSuccess step; the successor jobs themselves are not created here.
if config.chain ~= nil and config.chain.onSuccess ~= nil and #config.chain.onSuccess > 0 then
  for _, step in ipairs(config.chain.onSuccess) do
    publishEvent(meshId, step.id or '', step.type, nil, cjson.encode({
      event = 'chain.step.ready', parentJobId = jobId, timestamp = now, step = step,
    }))
  end
end

return cjson.encode({ ok = true })
`

// CompleteJobInput carries the outcome of one worker execution (spec §4.8).
type CompleteJobInput struct {
	JobID            string
	MeshID           string
	JobType          string
	ServerID         string
	Now              int64
	Result           []byte
	RemoveOnComplete bool
}

// CompleteJob runs the complete-job script: verifies the caller still owns
// the job (spec §4.3 step 1 — a stale owner's completion must not mutate a
// job another server has since reclaimed), releases the active-set entry
// and any concurrency gate, resolves dependents, and fires chain
// continuations (spec §4.7 step 2 happy path, §4.9 dependency cascade).
func (r *Registry) CompleteJob(ctx context.Context, c redis.Scripter, sch keys.Schema, in CompleteJobInput) error {
	keysArg := []string{sch.ActiveSet(in.ServerID)}
	argv := []interface{}{
		sch.Namespace(), in.JobID, in.MeshID, in.JobType, in.ServerID, in.Now,
		in.Result, boolArg(in.RemoveOnComplete),
	}
	var result struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := runJSON(ctx, r.completeJob, c, keysArg, argv, &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("complete job %s: %s", in.JobID, result.Reason)
	}
	return nil
}
