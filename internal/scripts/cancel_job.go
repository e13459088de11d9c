// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaCancelJob = luaPrelude + `
-- KEYS[1] priority queue the job is in ('' if not known to be queued)
-- KEYS[2] global delayed set
-- KEYS[3] pending index for meshId
--
-- ARGV[1] namespace  ARGV[2] jobId  ARGV[3] meshId
-- ARGV[4] jobType    ARGV[5] now

local jobId = ARGV[2]
local meshId = ARGV[3]
local jobType = ARGV[4]
local now = tonumber(ARGV[5])

local metaKey = jobKey(jobId, 'meta')
local status = redis.call('HGET', metaKey, 'status')
if not status then
  return cjson.encode({ cancelled = false, reason = 'not_found' })
end
if status ~= 'pending' and status ~= 'scheduled' then
  return cjson.encode({ cancelled = false, reason = 'not_cancellable' })
end

if KEYS[1] ~= '' then
  redis.call('ZREM', KEYS[1], jobId)
end
redis.call('ZREM', KEYS[2], jobId)
redis.call('ZREM', KEYS[3], jobId)

redis.call('HSET', metaKey, 'status', 'cancelled', 'updatedAt', tostring(now))
redis.call('ZADD', ns .. ':terminal:' .. meshId, now, jobId)
publishEvent(meshId, jobId, jobType, nil, cjson.encode({
  event = 'job.cancelled', jobId = jobId, timestamp = now,
}))

return cjson.encode({ cancelled = true })
`

// CancelJobInput carries whichever of the job's current locations are
// known to the caller; pass "" for the priority queue when the job isn't
// believed to be queued (spec §5: cancellation only takes effect from
// `pending` or `scheduled` — a job already `active` is not cancellable and
// must fall through to the stall detector instead).
type CancelJobInput struct {
	JobID    string
	MeshID   string
	JobType  string
	Priority int
	IsQueued bool
	Now      int64
}

// CancelJobResult reports whether the cancellation took effect.
type CancelJobResult struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason"`
}

// CancelJob runs the cancel-job script.
func (r *Registry) CancelJob(ctx context.Context, c redis.Scripter, sch keys.Schema, in CancelJobInput) (CancelJobResult, error) {
	queueKey := ""
	if in.IsQueued {
		queueKey = sch.PriorityQueue(in.MeshID, in.JobType, in.Priority)
	}
	keysArg := []string{queueKey, sch.Delayed(), sch.PendingIndex(in.MeshID)}
	argv := []interface{}{sch.Namespace(), in.JobID, in.MeshID, in.JobType, in.Now}
	var result CancelJobResult
	if err := runJSON(ctx, r.cancelJob, c, keysArg, argv, &result); err != nil {
		return CancelJobResult{}, err
	}
	return result, nil
}
