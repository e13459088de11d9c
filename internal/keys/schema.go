// Copyright 2025 James Ross

// Package keys implements C1: the deterministic key layout of spec §4.1 and
// the header-field codec used to move a model.Job in and out of a Redis
// hash. Every key name used anywhere else in this repository is built
// through a Schema method so the layout lives in exactly one place.
package keys

import "fmt"

// Schema builds namespaced key names. The zero value is not usable; use
// New.
type Schema struct {
	ns string
}

// New returns a Schema rooted at the given namespace (spec default
// "bridgemq").
func New(namespace string) Schema {
	if namespace == "" {
		namespace = "bridgemq"
	}
	return Schema{ns: namespace}
}

func (s Schema) Namespace() string { return s.ns }

// Job sub-keys.

func (s Schema) JobMeta(id string) string    { return fmt.Sprintf("%s:job:%s:meta", s.ns, id) }
func (s Schema) JobConfig(id string) string  { return fmt.Sprintf("%s:job:%s:config", s.ns, id) }
func (s Schema) JobPayload(id string) string { return fmt.Sprintf("%s:job:%s:payload", s.ns, id) }
func (s Schema) JobResult(id string) string  { return fmt.Sprintf("%s:job:%s:result", s.ns, id) }
func (s Schema) JobErrors(id string) string  { return fmt.Sprintf("%s:job:%s:errors", s.ns, id) }
func (s Schema) JobDepends(id string) string { return fmt.Sprintf("%s:job:%s:depends", s.ns, id) }
func (s Schema) JobWaiters(id string) string { return fmt.Sprintf("%s:job:%s:waiters", s.ns, id) }

// Queue topology (C5).

// PriorityQueue is the sorted set for one (meshId, type, priority) tuple,
// scored by earliest-eligible timestamp.
func (s Schema) PriorityQueue(meshID, jobType string, priority int) string {
	return fmt.Sprintf("%s:queue:%s:%s:p%d", s.ns, meshID, jobType, priority)
}

// PriorityQueuePrefix returns the shared prefix of every priority for a
// (meshId, type), used only for readability in logs/tests — claim-job
// never scans by prefix (see TypesSet).
func (s Schema) PriorityQueuePrefix(meshID, jobType string) string {
	return fmt.Sprintf("%s:queue:%s:%s:p", s.ns, meshID, jobType)
}

func (s Schema) PendingIndex(meshID string) string { return fmt.Sprintf("%s:pending:%s", s.ns, meshID) }

func (s Schema) ActiveSet(serverID string) string { return fmt.Sprintf("%s:active:%s", s.ns, serverID) }

func (s Schema) Delayed() string { return fmt.Sprintf("%s:delayed", s.ns) }

func (s Schema) DLQ(meshID string) string { return fmt.Sprintf("%s:dlq:%s", s.ns, meshID) }

// TerminalSet is the per-mesh sorted set (scored by completion time) of
// jobs that reached `completed` or `cancelled`, letting the clean sweep
// (spec §4.9) find retention-eligible jobs without a keyspace scan. Failed
// jobs are discovered through DLQ instead; this set never holds them.
func (s Schema) TerminalSet(meshID string) string { return fmt.Sprintf("%s:terminal:%s", s.ns, meshID) }

// TypesSet is the per-mesh set of populated (type, priority) tuples used to
// drive claim-job's scan without a keyspace-wide KEYS/SCAN (spec §9 Open
// Question, resolved in SPEC_FULL.md §E.1).
func (s Schema) TypesSet(meshID string) string { return fmt.Sprintf("%s:types:%s", s.ns, meshID) }

// TypesSetMember encodes a (type, priority) tuple for storage in TypesSet.
func TypesSetMember(jobType string, priority int) string {
	return fmt.Sprintf("%s\x00%d", jobType, priority)
}

// DecodeTypesSetMember reverses TypesSetMember.
func DecodeTypesSetMember(member string) (jobType string, priority int, err error) {
	idx := -1
	for i := 0; i < len(member); i++ {
		if member[i] == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed types-set member %q", member)
	}
	jobType = member[:idx]
	_, err = fmt.Sscanf(member[idx+1:], "%d", &priority)
	return jobType, priority, err
}

// Mesh / server registry.

func (s Schema) Mesh(id string) string        { return fmt.Sprintf("%s:mesh:%s", s.ns, id) }
func (s Schema) MeshMembers(id string) string { return fmt.Sprintf("%s:mesh:%s:members", s.ns, id) }
func (s Schema) MeshCounters(id string) string { return fmt.Sprintf("%s:mesh:%s:counters", s.ns, id) }

// MeshesSet is the set of every mesh id a server has ever registered
// under, letting the maintenance clean sweep enumerate meshes to retire
// without a keyspace-wide SCAN (spec §4.9's "clean" loop runs per mesh).
func (s Schema) MeshesSet() string { return fmt.Sprintf("%s:meshes", s.ns) }

func (s Schema) Server(id string) string { return fmt.Sprintf("%s:server:%s", s.ns, id) }

// ServersHeartbeat is a sorted set of every server id scored by its last
// heartbeat timestamp, letting the maintenance loop discover which active
// sets to sweep for stalls without a keyspace-wide SCAN (spec §4.8, §4.2
// heartbeat).
func (s Schema) ServersHeartbeat() string { return fmt.Sprintf("%s:servers:heartbeat", s.ns) }

// Dedup indexes.

func (s Schema) Idempotency(key string) string { return fmt.Sprintf("%s:idempotency:%s", s.ns, key) }
func (s Schema) Fingerprint(hash string) string { return fmt.Sprintf("%s:fingerprint:%s", s.ns, hash) }

// Rate limiting (C11).

func (s Schema) RateLimit(bucketKey string) string {
	return fmt.Sprintf("%s:ratelimit:%s", s.ns, bucketKey)
}
func (s Schema) RateLimitQueue(bucketKey string) string {
	return fmt.Sprintf("%s:ratelimitqueue:%s", s.ns, bucketKey)
}

// Batches.

func (s Schema) BatchMeta(batchID string) string { return fmt.Sprintf("%s:batch:%s:meta", s.ns, batchID) }
func (s Schema) BatchJobs(batchID string) string  { return fmt.Sprintf("%s:batch:%s:jobs", s.ns, batchID) }

// BatchAccumulation is the set a caller adds job ids to before finalizing a
// batch (spec §4.3 finalize-batch: "batch accumulation list key" — a set
// here since membership, not order, is all finalize-batch needs from it).
func (s Schema) BatchAccumulation(batchID string) string {
	return fmt.Sprintf("%s:batchaccum:%s", s.ns, batchID)
}

// Event channels (C10).

func (s Schema) EventsGlobal() string           { return fmt.Sprintf("%s:events:global", s.ns) }
func (s Schema) EventsMesh(meshID string) string { return fmt.Sprintf("%s:events:mesh:%s", s.ns, meshID) }
func (s Schema) EventsJob(jobID string) string   { return fmt.Sprintf("%s:events:job:%s", s.ns, jobID) }
func (s Schema) EventsServer(serverID string) string {
	return fmt.Sprintf("%s:events:server:%s", s.ns, serverID)
}
func (s Schema) EventsType(jobType string) string { return fmt.Sprintf("%s:events:type:%s", s.ns, jobType) }
