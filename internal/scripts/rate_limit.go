// Copyright 2025 James Ross
package scripts

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

const luaRateLimitCheck = luaPrelude + `
-- KEYS[1] overflow queue (only touched when rejected and queueOnReject)
--
-- ARGV[1] namespace   ARGV[2] bucketKey    ARGV[3] max
-- ARGV[4] windowSeconds ARGV[5] maxConcurrent ARGV[6] now
-- ARGV[7] queueOnReject ('1'/'0') ARGV[8] jobId
-- ARGV[9] meshId      ARGV[10] jobType

local bucketKey = ARGV[2]
local max = tonumber(ARGV[3])
local windowSeconds = tonumber(ARGV[4])
local maxConcurrent = tonumber(ARGV[5])
local now = tonumber(ARGV[6])
local queueOnReject = ARGV[7] == '1'
local jobId = ARGV[8]
local meshId = ARGV[9]
local jobType = ARGV[10]

local allowed, remaining, reset = rateLimitAcquire({
  key = bucketKey, max = max, windowSeconds = windowSeconds, maxConcurrent = maxConcurrent,
}, now)

if not allowed then
  if queueOnReject and jobId ~= '' then
    redis.call('ZADD', KEYS[1], now, jobId)
  end
  publishEvent(meshId, jobId, jobType, nil, cjson.encode({
    event = 'ratelimit.exceeded', bucketKey = bucketKey, jobId = jobId, reset = reset, timestamp = now,
  }))
  return cjson.encode({ allowed = false, reset = reset })
end

return cjson.encode({ allowed = true, remaining = remaining, reset = reset })
`

// RateLimitCheckInput is the standalone pre-admission check (spec §4.11),
// distinct from the in-claim gate claim_job.go applies automatically.
// MeshID/JobType are only used to scope the ratelimit.exceeded event
// published on rejection.
type RateLimitCheckInput struct {
	BucketKey     string
	Max           int
	WindowSeconds int
	MaxConcurrent int
	Now           int64
	QueueOnReject bool
	JobID         string
	MeshID        string
	JobType       string
}

// RateLimitCheckResult reports whether the caller may proceed. Remaining
// and Reset reflect the fixed window (spec §4.3/§4.10); Reset is the next
// window boundary in epoch ms and is set even when Allowed is false so a
// caller knows when to retry.
type RateLimitCheckResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining,omitempty"`
	Reset     int64 `json:"reset,omitempty"`
}

// RateLimitCheck runs the standalone rate-limit-check script, optionally
// adding the rejected job id to the bucket's overflow queue (scored by
// now), and publishing ratelimit.exceeded on rejection. Nothing in this
// repository reads the overflow queue back.
func (r *Registry) RateLimitCheck(ctx context.Context, c redis.Scripter, sch keys.Schema, in RateLimitCheckInput) (RateLimitCheckResult, error) {
	keysArg := []string{sch.RateLimitQueue(in.BucketKey)}
	argv := []interface{}{
		sch.Namespace(), in.BucketKey, in.Max, in.WindowSeconds, in.MaxConcurrent,
		in.Now, boolArg(in.QueueOnReject), in.JobID, in.MeshID, in.JobType,
	}
	var result RateLimitCheckResult
	if err := runJSON(ctx, r.rateLimitCheck, c, keysArg, argv, &result); err != nil {
		return RateLimitCheckResult{}, err
	}
	return result, nil
}
