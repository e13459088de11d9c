// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaProcessDelayed = luaPrelude + `
-- KEYS[1] global delayed set
--
-- ARGV[1] namespace  ARGV[2] now  ARGV[3] batchSize

local now = tonumber(ARGV[2])
local batchSize = tonumber(ARGV[3])

local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, batchSize)
local promoted = 0

for _, jobId in ipairs(ids) do
  redis.call('ZREM', KEYS[1], jobId)
  local metaKey = jobKey(jobId, 'meta')
  local m = redis.call('HMGET', metaKey, 'meshId', 'type', 'priority', 'status')
  local meshId, jobType, priority, status = m[1], m[2], tonumber(m[3]), m[4]
  if meshId and status ~= 'cancelled' then
    enqueueJob(jobId, meshId, jobType, priority, now)
    redis.call('HSET', metaKey, 'status', 'pending', 'updatedAt', tostring(now))
    publishEvent(meshId, jobId, jobType, nil, cjson.encode({
      event = 'job.promoted', jobId = jobId, timestamp = now,
    }))
    promoted = promoted + 1
  end
end

return cjson.encode({ promoted = promoted })
`

const luaDetectStalled = luaPrelude + `
-- KEYS[1] active set for one server
--
-- ARGV[1] namespace     ARGV[2] serverId      ARGV[3] now
-- ARGV[4] stallDeadline ARGV[5] maxStallCount ARGV[6] batchSize

local serverId = ARGV[2]
local now = tonumber(ARGV[3])
local stallDeadline = tonumber(ARGV[4])
local maxStallCount = tonumber(ARGV[5])
local batchSize = tonumber(ARGV[6])

local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', stallDeadline, 'LIMIT', 0, batchSize)
local recovered = 0
local exhausted = 0

for _, jobId in ipairs(ids) do
  redis.call('ZREM', KEYS[1], jobId)
  local metaKey = jobKey(jobId, 'meta')
  local m = redis.call('HMGET', metaKey, 'meshId', 'type', 'priority', 'stalledCount')
  local meshId, jobType, priority, stalledCount = m[1], m[2], tonumber(m[3]), tonumber(m[4] or '0') + 1

  local configJSON = redis.call('GET', jobKey(jobId, 'config'))
  local config = {}
  if configJSON then
    config = cjson.decode(configJSON)
  end
  rateLimitRelease(config.rateLimit)

  if meshId then
    if stalledCount >= maxStallCount then
      redis.call('HSET', metaKey, 'status', 'failed', 'stalledCount', tostring(stalledCount), 'updatedAt', tostring(now))
      redis.call('ZADD', ns .. ':dlq:' .. meshId, now, jobId)
      redis.call('HINCRBY', ns .. ':mesh:' .. meshId .. ':counters', 'failed', 1)
      publishEvent(meshId, jobId, jobType, serverId, cjson.encode({
        event = 'job.stalled.exhausted', jobId = jobId, serverId = serverId, timestamp = now,
      }))
      exhausted = exhausted + 1
    else
      enqueueJob(jobId, meshId, jobType, priority, now)
      redis.call('HSET', metaKey, 'status', 'pending', 'stalledCount', tostring(stalledCount),
        'updatedAt', tostring(now), 'processedBy', '')
      publishEvent(meshId, jobId, jobType, serverId, cjson.encode({
        event = 'job.stalled', jobId = jobId, serverId = serverId, timestamp = now,
      }))
      recovered = recovered + 1
    end
  end
end

return cjson.encode({ recovered = recovered, exhausted = exhausted })
`

// ProcessDelayedResult reports how many scheduled/retry-delayed jobs were
// promoted into their priority queues (spec §4.5).
type ProcessDelayedResult struct {
	Promoted int `json:"promoted"`
}

// ProcessDelayed runs the delayed-set promotion sweep.
func (r *Registry) ProcessDelayed(ctx context.Context, c redis.Scripter, sch keys.Schema, now int64, batchSize int) (ProcessDelayedResult, error) {
	keysArg := []string{sch.Delayed()}
	argv := []interface{}{sch.Namespace(), now, batchSize}
	var result ProcessDelayedResult
	if err := runJSON(ctx, r.processDelayed, c, keysArg, argv, &result); err != nil {
		return ProcessDelayedResult{}, err
	}
	return result, nil
}

// DetectStalledResult reports how many jobs in one server's active set were
// recovered back to pending vs exhausted to the DLQ (spec §4.8).
type DetectStalledResult struct {
	Recovered int `json:"recovered"`
	Exhausted int `json:"exhausted"`
}

// DetectStalled runs the stall-detection sweep for a single server's
// active set (the maintenance loop calls this once per known server).
func (r *Registry) DetectStalled(ctx context.Context, c redis.Scripter, sch keys.Schema, serverID string, now, stallDeadline int64, maxStallCount, batchSize int) (DetectStalledResult, error) {
	keysArg := []string{sch.ActiveSet(serverID)}
	argv := []interface{}{sch.Namespace(), serverID, now, stallDeadline, maxStallCount, batchSize}
	var result DetectStalledResult
	if err := runJSON(ctx, r.detectStalled, c, keysArg, argv, &result); err != nil {
		return DetectStalledResult{}, err
	}
	return result, nil
}
