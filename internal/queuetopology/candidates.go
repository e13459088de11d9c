// Copyright 2025 James Ross

// Package queuetopology implements C5: everything about the priority
// queue / pending-index / delayed / DLQ layout beyond the bare key names
// in internal/keys — specifically, building the ordered candidate list a
// worker's claim attempt scans (higher priority number is scanned first).
package queuetopology

import (
	"sort"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/bridgemq/bridgemq/internal/scripts"
)

// BuildCandidates turns a mesh's populated (type, priority) tuples into the
// ordered ClaimCandidate list claim_job.go scans, restricted to the types a
// worker declares support for and ordered by descending priority number
// (priority 10 is most urgent, 1 least) then by type name for a stable
// tie-break.
func BuildCandidates(sch keys.Schema, meshID string, tuples []repository.TypeTuple, supportedTypes map[string]bool) []scripts.ClaimCandidate {
	filtered := make([]repository.TypeTuple, 0, len(tuples))
	for _, t := range tuples {
		if supportedTypes == nil || supportedTypes[t.JobType] {
			filtered = append(filtered, t)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Priority != filtered[j].Priority {
			return filtered[i].Priority > filtered[j].Priority
		}
		return filtered[i].JobType < filtered[j].JobType
	})

	out := make([]scripts.ClaimCandidate, 0, len(filtered))
	for _, t := range filtered {
		out = append(out, scripts.ClaimCandidate{
			QueueKey: sch.PriorityQueue(meshID, t.JobType, t.Priority),
			MeshID:   meshID,
			JobType:  t.JobType,
			Priority: t.Priority,
		})
	}
	return out
}
