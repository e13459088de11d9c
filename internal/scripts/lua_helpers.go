// Copyright 2025 James Ross
package scripts

// luaPrelude is prepended (via string concatenation in each script
// constant below) to every script that needs to address a job's own
// sub-keys. Only the job id is required at that point — the namespace is
// always ARGV[1] by convention — so scripts build `{ns}:job:{id}:meta`
// etc. themselves instead of requiring the caller to enumerate every
// dependency/waiter key (spec §9: "keep the jobId as the canonical
// identifier; every queue entry is only a reference").
const luaPrelude = `
local ns = ARGV[1]

local function jobKey(id, suffix)
  return ns .. ':job:' .. id .. ':' .. suffix
end

local function eventsKeys(meshId, jobId, jobType, serverId)
  local out = { ns .. ':events:global', ns .. ':events:mesh:' .. meshId }
  if jobId ~= nil and jobId ~= '' then
    table.insert(out, ns .. ':events:job:' .. jobId)
  end
  if jobType ~= nil and jobType ~= '' then
    table.insert(out, ns .. ':events:type:' .. jobType)
  end
  if serverId ~= nil and serverId ~= '' then
    table.insert(out, ns .. ':events:server:' .. serverId)
  end
  return out
end

local function publishEvent(meshId, jobId, jobType, serverId, payload)
  local chans = eventsKeys(meshId, jobId, jobType, serverId)
  for _, ch in ipairs(chans) do
    redis.call('PUBLISH', ch, payload)
  end
end

local function priorityQueueKey(meshId, jobType, priority)
  return ns .. ':queue:' .. meshId .. ':' .. jobType .. ':p' .. tostring(priority)
end

local function pendingIndexKey(meshId)
  return ns .. ':pending:' .. meshId
end

local function typesSetKey(meshId)
  return ns .. ':types:' .. meshId
end

local function typesSetMember(jobType, priority)
  return jobType .. '\0' .. tostring(priority)
end

-- enqueueJob moves a job that is eligible to run right now into its
-- priority queue and the mesh's pending index (the same topology
-- create-job and process-delayed use), used by complete-job when
-- resolving a waiter whose last dependency just finished.
local function enqueueJob(jobId, meshId, jobType, priority, scheduledFor)
  redis.call('ZADD', priorityQueueKey(meshId, jobType, priority), scheduledFor, jobId)
  redis.call('ZADD', pendingIndexKey(meshId), priority, jobId)
  redis.call('SADD', typesSetKey(meshId), typesSetMember(jobType, priority))
end

local function rateLimitWindowKey(bucketKey, windowSeconds, now)
  local bucket = math.floor(now / (windowSeconds * 1000))
  return ns .. ':ratelimit:' .. bucketKey .. ':' .. tostring(bucket)
end

local function rateLimitConcurrentKey(bucketKey)
  return ns .. ':ratelimit:' .. bucketKey .. ':concurrent'
end

-- rateLimitAcquire enforces both the fixed-window count and the
-- concurrency gate described in spec §4.11; it is only called once a job
-- has already matched routing, so a rejection here simply skips the
-- candidate rather than failing the whole claim attempt. Callers that only
-- need the pass/fail use the first return value; rate_limit.go's standalone
-- check also reports remaining/reset from the window dimension.
local function rateLimitAcquire(rateLimit, now)
  if rateLimit == nil or rateLimit.key == nil or rateLimit.key == '' then
    return true, nil, nil
  end
  local remaining, reset
  if rateLimit.max ~= nil and rateLimit.windowSeconds ~= nil and rateLimit.max > 0 then
    local bucket = math.floor(now / (rateLimit.windowSeconds * 1000))
    reset = (bucket + 1) * rateLimit.windowSeconds * 1000
    local wKey = rateLimitWindowKey(rateLimit.key, rateLimit.windowSeconds, now)
    local count = redis.call('INCR', wKey)
    if count == 1 then
      redis.call('PEXPIRE', wKey, rateLimit.windowSeconds * 1000)
    end
    if count > rateLimit.max then
      redis.call('DECR', wKey)
      return false, 0, reset
    end
    remaining = rateLimit.max - count
  end
  if rateLimit.maxConcurrent ~= nil and rateLimit.maxConcurrent > 0 then
    local cKey = rateLimitConcurrentKey(rateLimit.key)
    local count = redis.call('INCR', cKey)
    if count > rateLimit.maxConcurrent then
      redis.call('DECR', cKey)
      return false, remaining, reset
    end
  end
  return true, remaining, reset
end

-- rateLimitRelease undoes the concurrency-gate side of rateLimitAcquire;
-- called from complete/retry/stall handling once a claimed job leaves the
-- active set, whatever the outcome.
local function rateLimitRelease(rateLimit)
  if rateLimit == nil or rateLimit.key == nil or rateLimit.key == '' then
    return
  end
  if rateLimit.maxConcurrent ~= nil and rateLimit.maxConcurrent > 0 then
    redis.call('DECR', rateLimitConcurrentKey(rateLimit.key))
  end
end

-- wildcardMatch, setContainsMatch and matchDimension implement the
-- per-dimension comparison of spec §4.6: worker's
-- value is treated as a set (singleton for stack/region), required is a
-- set, mode is 'any' (intersection non-empty) or 'all' (subset).
local function wildcardMatch(pattern, value)
  if pattern == '*' then
    return value ~= nil and value ~= ''
  end
  local prefix = string.match(pattern, '^(.+):%*$')
  if prefix ~= nil then
    return string.sub(value, 1, #prefix + 1) == (prefix .. ':')
  end
  return pattern == value
end

local function setContainsMatch(set, pattern)
  for _, v in ipairs(set) do
    if wildcardMatch(pattern, v) then
      return true
    end
  end
  return false
end

local function matchDimension(workerSet, required, mode)
  if required == nil or #required == 0 then
    return true
  end
  if mode == 'all' then
    for _, r in ipairs(required) do
      if not setContainsMatch(workerSet, r) then
        return false
      end
    end
    return true
  end
  -- mode == 'any' (default)
  for _, r in ipairs(required) do
    if setContainsMatch(workerSet, r) then
      return true
    end
  end
  return false
end

-- routingMatches implements spec §4.6 resolution order in full: an exact
-- target.server short-circuits every other dimension.
local function routingMatches(target, serverId, workerStack, workerCaps, workerRegion)
  if target == nil then
    return true
  end
  if target.server ~= nil and target.server ~= '' then
    return target.server == serverId
  end
  local mode = target.mode
  if mode ~= 'all' then
    mode = 'any'
  end
  if target.stack ~= nil and #target.stack > 0 then
    if not matchDimension({ workerStack }, target.stack, mode) then
      return false
    end
  end
  if target.capabilities ~= nil and #target.capabilities > 0 then
    if not matchDimension(workerCaps, target.capabilities, mode) then
      return false
    end
  end
  if target.region ~= nil and #target.region > 0 then
    if not matchDimension({ workerRegion }, target.region, mode) then
      return false
    end
  end
  return true
end
`
