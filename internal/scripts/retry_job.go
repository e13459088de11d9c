// Copyright 2025 James Ross
package scripts

import (
	"context"
	"fmt"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaRetryJob = luaPrelude + `
-- KEYS[1] active set for the claiming server
--
-- ARGV[1] namespace    ARGV[2] jobId       ARGV[3] meshId
-- ARGV[4] jobType      ARGV[5] priority    ARGV[6] serverId
-- ARGV[7] now          ARGV[8] shouldRetry ('1'/'0')
-- ARGV[9] nextRunAt    ARGV[10] errorCode  ARGV[11] errorMessage
-- ARGV[12] retryable ('1'/'0')
--
-- Retry-eligibility and the backoff delay are decided in Go (C7); this
-- script only performs the atomic state move once that decision is made.

local jobId = ARGV[2]
local meshId = ARGV[3]
local jobType = ARGV[4]
local priority = tonumber(ARGV[5])
local serverId = ARGV[6]
local now = tonumber(ARGV[7])
local shouldRetry = ARGV[8] == '1'
local nextRunAt = tonumber(ARGV[9])
local errorCode = tonumber(ARGV[10])
local errorMessage = ARGV[11]
local retryable = ARGV[12] == '1'

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

local errorsKey = jobKey(jobId, 'errors')
redis.call('RPUSH', errorsKey, cjson.encode({
  code = errorCode, message = errorMessage, retryable = retryable, occurredAt = now,
}))
redis.call('LTRIM', errorsKey, -10, -1)

if shouldRetry then
  if nextRunAt > now then
    redis.call('ZADD', ns .. ':delayed', nextRunAt, jobId)
    redis.call('HSET', metaKey, 'status', 'scheduled', 'scheduledFor', tostring(nextRunAt), 'updatedAt', tostring(now), 'processedBy', '')
  else
    enqueueJob(jobId, meshId, jobType, priority, now)
    redis.call('HSET', metaKey, 'status', 'pending', 'scheduledFor', tostring(now), 'updatedAt', tostring(now), 'processedBy', '')
  end
  publishEvent(meshId, jobId, jobType, serverId, cjson.encode({
    event = 'job.retry', jobId = jobId, serverId = serverId, timestamp = now,
    errorCode = errorCode, nextRunAt = nextRunAt,
  }))
else
  redis.call('HSET', metaKey, 'status', 'failed', 'updatedAt', tostring(now))
  redis.call('ZADD', ns .. ':dlq:' .. meshId, now, jobId)
  redis.call('HINCRBY', ns .. ':mesh:' .. meshId .. ':counters', 'failed', 1)
  publishEvent(meshId, jobId, jobType, serverId, cjson.encode({
    event = 'job.failed', jobId = jobId, serverId = serverId, timestamp = now,
    errorCode = errorCode,
  }))
  if config.chain ~= nil and config.chain.onFailure ~= nil and #config.chain.onFailure > 0 then
    for _, step in ipairs(config.chain.onFailure) do
      publishEvent(meshId, step.id or '', step.type, nil, cjson.encode({
        event = 'chain.step.ready', parentJobId = jobId, timestamp = now, step = step,
      }))
    end
  end
end

return cjson.encode({ ok = true })
`

// RetryJobInput is produced by internal/retrypolicy (C7) after classifying
// the failure; this script only executes the resulting state move.
type RetryJobInput struct {
	JobID        string
	MeshID       string
	JobType      string
	Priority     int
	ServerID     string
	Now          int64
	ShouldRetry  bool
	NextRunAt    int64
	ErrorCode    int
	ErrorMessage string
	Retryable    bool
}

// RetryJob runs the retry-job script: verifies the caller still owns the
// job (spec §4.3 step 1), then either requeues with backoff or moves it to
// the DLQ, plus chain.onFailure fan-out (spec §4.7).
func (r *Registry) RetryJob(ctx context.Context, c redis.Scripter, sch keys.Schema, in RetryJobInput) error {
	keysArg := []string{sch.ActiveSet(in.ServerID)}
	argv := []interface{}{
		sch.Namespace(), in.JobID, in.MeshID, in.JobType, in.Priority, in.ServerID, in.Now,
		boolArg(in.ShouldRetry), in.NextRunAt, in.ErrorCode, in.ErrorMessage, boolArg(in.Retryable),
	}
	var result struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := runJSON(ctx, r.retryJob, c, keysArg, argv, &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("retry job %s: %s", in.JobID, result.Reason)
	}
	return nil
}
