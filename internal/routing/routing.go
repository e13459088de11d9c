// Copyright 2025 James Ross

// Package routing implements C6: validation of a job's routing target
// (spec §4.6) before it's handed to the create-job script, plus a pure-Go
// mirror of the wildcard capability matcher claim_job.go runs in Lua. The
// Go copy exists so tests and any out-of-script tooling (e.g. an admin
// "would this worker take this job" check) don't need a live store.
package routing

import (
	"strings"

	"github.com/bridgemq/bridgemq/internal/bmerr"
	"github.com/bridgemq/bridgemq/internal/model"
)

// Validate checks a Target for internal consistency (spec §4.6): mode must
// be "any"/"all"/unset, and a server-scoped target must not also carry
// other dimensions (server short-circuits everything else, so combining
// them is almost certainly a caller mistake worth rejecting up front).
func Validate(t model.Target) error {
	switch t.Mode {
	case "", "any", "all":
	default:
		return bmerr.New(bmerr.InvalidConfig, "target.mode must be \"any\" or \"all\"")
	}
	if t.Server != "" && (len(t.Stack) > 0 || len(t.Capabilities) > 0 || len(t.Region) > 0) {
		return bmerr.New(bmerr.InvalidConfig, "target.server cannot be combined with stack/capabilities/region")
	}
	return nil
}

// WildcardMatch implements the single-pattern comparison of spec §4.6: an
// exact string match, "*" (matches anything non-empty), or "prefix:*"
// (matches any value sharing that colon-delimited prefix).
func WildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return value != ""
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(value, prefix+":")
	}
	return pattern == value
}

func setContainsMatch(set []string, pattern string) bool {
	for _, v := range set {
		if WildcardMatch(pattern, v) {
			return true
		}
	}
	return false
}

func matchDimension(workerSet, required []string, mode string) bool {
	if len(required) == 0 {
		return true
	}
	if mode == "all" {
		for _, r := range required {
			if !setContainsMatch(workerSet, r) {
				return false
			}
		}
		return true
	}
	for _, r := range required {
		if setContainsMatch(workerSet, r) {
			return true
		}
	}
	return false
}

// Matches reports whether a worker described by (serverID, stack,
// capabilities, region) is eligible to claim a job with the given target,
// mirroring luaPrelude's routingMatches exactly (spec §4.6 resolution
// order: target.server short-circuits everything else).
func Matches(t model.Target, serverID, workerStack string, workerCaps []string, workerRegion string) bool {
	if t.Server != "" {
		return t.Server == serverID
	}
	mode := t.Mode
	if mode != "all" {
		mode = "any"
	}
	if len(t.Stack) > 0 && !matchDimension([]string{workerStack}, t.Stack, mode) {
		return false
	}
	if len(t.Capabilities) > 0 && !matchDimension(workerCaps, t.Capabilities, mode) {
		return false
	}
	if len(t.Region) > 0 && !matchDimension([]string{workerRegion}, t.Region, mode) {
		return false
	}
	return true
}
