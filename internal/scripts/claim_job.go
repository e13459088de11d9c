// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaClaimJob = luaPrelude + `
-- KEYS[1] pending index for meshId
-- KEYS[2] active set for this server
--
-- ARGV[1] namespace      ARGV[2] serverId        ARGV[3] workerStack
-- ARGV[4] workerCapsJSON ARGV[5] workerRegion    ARGV[6] candidatesJSON
--   candidatesJSON: [{ "queueKey":.., "meshId":.., "jobType":.., "priority":.. }, ...]
--   ordered highest-priority-first by the caller.
-- ARGV[7] scanLimit      ARGV[8] now

local serverId = ARGV[2]
local workerStack = ARGV[3]
local workerCaps = cjson.decode(ARGV[4])
local workerRegion = ARGV[5]
local candidates = cjson.decode(ARGV[6])
local scanLimit = tonumber(ARGV[7])
local now = tonumber(ARGV[8])

for _, c in ipairs(candidates) do
  local ids = redis.call('ZRANGE', c.queueKey, 0, scanLimit - 1)
  for _, jobId in ipairs(ids) do
    local configJSON = redis.call('GET', jobKey(jobId, 'config'))
    if configJSON then
      local config = cjson.decode(configJSON)
      local target = config.target
      if routingMatches(target, serverId, workerStack, workerCaps, workerRegion) then
        if rateLimitAcquire(config.rateLimit, now) then
          redis.call('ZREM', c.queueKey, jobId)
          redis.call('ZREM', KEYS[1], jobId)
          redis.call('ZADD', KEYS[2], now, jobId)

          local metaKey = jobKey(jobId, 'meta')
          local attempt = tonumber(redis.call('HGET', metaKey, 'attempt') or '0') + 1
          redis.call('HSET', metaKey,
            'status', 'active', 'attempt', tostring(attempt),
            'claimedAt', tostring(now), 'updatedAt', tostring(now),
            'processedBy', serverId)

          publishEvent(c.meshId, jobId, c.jobType, serverId, cjson.encode({
            event = 'job.claimed', jobId = jobId, serverId = serverId, timestamp = now,
          }))

          local payload = redis.call('GET', jobKey(jobId, 'payload'))
          return cjson.encode({
            claimed = true, jobId = jobId, meshId = c.meshId, jobType = c.jobType,
            priority = c.priority, attempt = attempt, configJSON = configJSON,
            payload = payload,
          })
        end
      end
    end
  end
end

return cjson.encode({ claimed = false })
`

// ClaimCandidate names one priority queue to scan, in the priority order
// the caller wants honored (spec §4.6, §P9).
type ClaimCandidate struct {
	QueueKey string `json:"queueKey"`
	MeshID   string `json:"meshId"`
	JobType  string `json:"jobType"`
	Priority int    `json:"priority"`
}

// ClaimJobInput is the worker identity and candidate set for one claim
// attempt (spec §4.6).
type ClaimJobInput struct {
	ServerID         string
	WorkerStack      string
	WorkerCapability []string
	WorkerRegion     string
	Candidates       []ClaimCandidate
	ScanLimit        int
	Now              int64
}

// ClaimJobResult is the script's claimed-or-not outcome. ConfigJSON and
// Payload are only populated when Claimed is true.
type ClaimJobResult struct {
	Claimed    bool   `json:"claimed"`
	JobID      string `json:"jobId"`
	MeshID     string `json:"meshId"`
	JobType    string `json:"jobType"`
	Priority   int    `json:"priority"`
	Attempt    int    `json:"attempt"`
	ConfigJSON string `json:"configJSON"`
	Payload    string `json:"payload"`
}

// ClaimJob runs the claim-job script against the given server's active set
// (spec §4.6: exactly-once-claim via CAS-free atomic move).
func (r *Registry) ClaimJob(ctx context.Context, c redis.Scripter, sch keys.Schema, meshID string, in ClaimJobInput) (ClaimJobResult, error) {
	keysArg := []string{sch.PendingIndex(meshID), sch.ActiveSet(in.ServerID)}
	argv := []interface{}{
		sch.Namespace(), in.ServerID, in.WorkerStack,
		mustJSON(in.WorkerCapability), in.WorkerRegion,
		mustJSON(in.Candidates), in.ScanLimit, in.Now,
	}
	var result ClaimJobResult
	if err := runJSON(ctx, r.claimJob, c, keysArg, argv, &result); err != nil {
		return ClaimJobResult{}, err
	}
	return result, nil
}
