// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/redis/go-redis/v9"
)

const luaCreateJob = luaPrelude + `
-- KEYS[1] priority queue for (meshId, type, priority)
-- KEYS[2] pending index for meshId
-- KEYS[3] global delayed set
-- KEYS[4] types set for meshId
-- KEYS[5] idempotency key (only touched if ARGV[10] == '1')
-- KEYS[6] fingerprint key (only touched if ARGV[12] == '1')
--
-- ARGV[1] namespace        ARGV[2]  jobId          ARGV[3]  meshId
-- ARGV[4] type             ARGV[5]  priority       ARGV[6]  scheduledFor
-- ARGV[7] now              ARGV[8]  configJSON     ARGV[9]  payload (raw bytes)
-- ARGV[10] hasIdempotency  ARGV[11] idempotencyTTL ARGV[12] hasFingerprint
-- ARGV[13] fingerprintTTL  ARGV[14] dependsOnJSON  ARGV[15] lifecycleTTL
-- ARGV[16] version

local jobId = ARGV[2]
local meshId = ARGV[3]
local jobType = ARGV[4]
local priority = ARGV[5]
local scheduledFor = tonumber(ARGV[6])
local now = tonumber(ARGV[7])
local configJSON = ARGV[8]
local payload = ARGV[9]
local hasIdem = ARGV[10] == '1'
local idemTTL = tonumber(ARGV[11])
local hasFp = ARGV[12] == '1'
local fpTTL = tonumber(ARGV[13])
local dependsOn = cjson.decode(ARGV[14])
local lifecycleTTL = tonumber(ARGV[15])
local version = ARGV[16]

if hasIdem then
  local existing = redis.call('GET', KEYS[5])
  if existing then
    return cjson.encode({ existing = true, jobId = existing, reason = 'idempotency' })
  end
end

if hasFp then
  local existing = redis.call('GET', KEYS[6])
  if existing then
    return cjson.encode({ existing = true, jobId = existing, reason = 'fingerprint' })
  end
end

local metaKey = jobKey(jobId, 'meta')
local configKey = jobKey(jobId, 'config')
local payloadKey = jobKey(jobId, 'payload')
local errorsKey = jobKey(jobId, 'errors')
local dependsKey = jobKey(jobId, 'depends')

local hasUnresolvedDeps = #dependsOn > 0

local status = 'pending'
if scheduledFor > now or hasUnresolvedDeps then
  status = 'scheduled'
end

redis.call('HSET', metaKey,
  'id', jobId, 'type', jobType, 'version', version, 'meshId', meshId,
  'priority', priority, 'status', status, 'attempt', '0', 'stalledCount', '0',
  'progress', '0', 'createdAt', tostring(now), 'scheduledFor', tostring(scheduledFor),
  'claimedAt', '0', 'completedAt', '0', 'updatedAt', tostring(now),
  'processedBy', '', 'batchId', '')
redis.call('SET', configKey, configJSON)
redis.call('SET', payloadKey, payload)
redis.call('DEL', errorsKey)

if lifecycleTTL > 0 then
  redis.call('EXPIRE', metaKey, lifecycleTTL)
  redis.call('EXPIRE', configKey, lifecycleTTL)
  redis.call('EXPIRE', payloadKey, lifecycleTTL)
end

if hasUnresolvedDeps then
  -- Held out of every queue until complete-job clears the last
  -- dependency; depends/waiters indexes below make that possible.
elseif status == 'scheduled' then
  redis.call('ZADD', KEYS[3], scheduledFor, jobId)
else
  redis.call('ZADD', KEYS[1], scheduledFor, jobId)
  redis.call('ZADD', KEYS[2], tonumber(priority), jobId)
  redis.call('SADD', KEYS[4], jobType .. '\0' .. priority)
end

if hasIdem then
  redis.call('SETEX', KEYS[5], idemTTL, jobId)
end
if hasFp then
  redis.call('SETEX', KEYS[6], fpTTL, jobId)
end

for _, dep in ipairs(dependsOn) do
  redis.call('SADD', dependsKey, dep)
  redis.call('SADD', jobKey(dep, 'waiters'), jobId)
end

publishEvent(meshId, jobId, jobType, nil, cjson.encode({
  event = 'job.created', jobId = jobId, meshId = meshId, type = jobType,
  status = status, timestamp = now,
}))

return cjson.encode({ existing = false, jobId = jobId, reason = '' })
`

// CreateJobInput is the full set of inputs to the create-job script
// (spec §4.3).
type CreateJobInput struct {
	Job             model.Job
	Config          model.JobConfig
	Payload         []byte
	IdempotencyKey  string
	IdempotencyTTLS int64
	FingerprintHash string
	FingerprintTTLS int64
	DependsOn       []string
	Now             int64
}

// CreateJobResult mirrors the script's discriminated return value.
type CreateJobResult struct {
	Existing bool   `json:"existing"`
	JobID    string `json:"jobId"`
	Reason   string `json:"reason"`
}

// CreateJob runs the create-job script (spec §4.3 step list).
func (r *Registry) CreateJob(ctx context.Context, c redis.Scripter, sch keys.Schema, in CreateJobInput) (CreateJobResult, error) {
	j := in.Job
	priorityQueueKey := sch.PriorityQueue(j.MeshID, j.Type, j.Priority)
	pendingIndexKey := sch.PendingIndex(j.MeshID)
	delayedKey := sch.Delayed()
	typesSetKey := sch.TypesSet(j.MeshID)

	idemKey := ""
	hasIdem := in.IdempotencyKey != ""
	if hasIdem {
		idemKey = sch.Idempotency(in.IdempotencyKey)
	}
	fpKey := ""
	hasFp := in.FingerprintHash != ""
	if hasFp {
		fpKey = sch.Fingerprint(in.FingerprintHash)
	}

	keysArg := []string{priorityQueueKey, pendingIndexKey, delayedKey, typesSetKey, idemKey, fpKey}

	lifecycleTTL := in.Config.Lifecycle.TTLSeconds

	// A nil slice would encode as "null", which the script cannot take the
	// length of; no dependencies is an empty list.
	dependsOn := in.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}

	argv := []interface{}{
		sch.Namespace(), j.ID, j.MeshID, j.Type, j.Priority, j.ScheduledFor, in.Now,
		mustJSON(in.Config), in.Payload,
		boolArg(hasIdem), in.IdempotencyTTLS,
		boolArg(hasFp), in.FingerprintTTLS,
		mustJSON(dependsOn), lifecycleTTL, j.Version,
	}

	var result CreateJobResult
	if err := runJSON(ctx, r.createJob, c, keysArg, argv, &result); err != nil {
		return CreateJobResult{}, err
	}
	return result, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
