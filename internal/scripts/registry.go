// Copyright 2025 James Ross

// Package scripts implements C3: the atomic, server-side Lua scripts that
// are the only place multi-key store mutations happen (spec §4.3, §5).
// Every exported method loads its script once per process (go-redis caches
// the SHA and transparently reloads on NOSCRIPT) and runs it with a single
// round trip, so the whole operation it names is indivisible from every
// other client's point of view.
package scripts

import (
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Registry holds one *redis.Script per atomic operation plus the
// namespace every script needs to build job sub-keys itself (see
// jobKey in lua_helpers.go) without requiring the caller to enumerate
// every dependency/waiter key up front.
type Registry struct {
	namespace string

	createJob      *redis.Script
	claimJob       *redis.Script
	completeJob    *redis.Script
	retryJob       *redis.Script
	processDelayed *redis.Script
	detectStalled  *redis.Script
	rateLimitCheck *redis.Script
	finalizeBatch  *redis.Script
	batchStatus    *redis.Script
	cancelJob      *redis.Script
}

// New builds a Registry for the given namespace. Scripts are not uploaded
// to the store until first Run (go-redis does this lazily and caches the
// digest on the *redis.Script value).
func New(namespace string) *Registry {
	return &Registry{
		namespace:      namespace,
		createJob:      redis.NewScript(luaCreateJob),
		claimJob:       redis.NewScript(luaClaimJob),
		completeJob:    redis.NewScript(luaCompleteJob),
		retryJob:       redis.NewScript(luaRetryJob),
		processDelayed: redis.NewScript(luaProcessDelayed),
		detectStalled:  redis.NewScript(luaDetectStalled),
		rateLimitCheck: redis.NewScript(luaRateLimitCheck),
		finalizeBatch:  redis.NewScript(luaFinalizeBatch),
		batchStatus:    redis.NewScript(luaBatchStatus),
		cancelJob:      redis.NewScript(luaCancelJob),
	}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Every value passed through this helper is produced internally
		// from well-typed Go structs; a marshal failure means a
		// programming error, not a runtime condition to recover from.
		panic(err)
	}
	return string(b)
}
