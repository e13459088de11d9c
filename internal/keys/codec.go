// Copyright 2025 James Ross
package keys

import (
	"encoding/json"
	"strconv"

	"github.com/bridgemq/bridgemq/internal/model"
)

// MetaFields flattens a Job's header fields into the string map the Redis
// driver writes with HSET, matching spec §4.1's "field-map" layout for
// `{ns}:job:{id}:meta`. Structured fields (config/result/payload/errors/
// depends/waiters) live in their own keys and are not part of this map.
func MetaFields(j model.Job) map[string]string {
	return map[string]string{
		"id":           j.ID,
		"type":         j.Type,
		"version":      j.Version,
		"meshId":       j.MeshID,
		"priority":     strconv.Itoa(j.Priority),
		"status":       string(j.Status),
		"attempt":      strconv.Itoa(j.Attempt),
		"stalledCount": strconv.Itoa(j.StalledCount),
		"progress":     strconv.FormatFloat(j.Progress, 'f', -1, 64),
		"createdAt":    strconv.FormatInt(j.CreatedAt, 10),
		"scheduledFor": strconv.FormatInt(j.ScheduledFor, 10),
		"claimedAt":    strconv.FormatInt(j.ClaimedAt, 10),
		"completedAt":  strconv.FormatInt(j.CompletedAt, 10),
		"updatedAt":    strconv.FormatInt(j.UpdatedAt, 10),
		"processedBy":  j.ProcessedBy,
		"batchId":      j.BatchID,
	}
}

// ParseMeta reconstructs the header portion of a Job from the string map
// read back by HGETALL. Missing numeric fields parse as zero.
func ParseMeta(id string, fields map[string]string) model.Job {
	j := model.Job{ID: id}
	j.Type = fields["type"]
	j.Version = fields["version"]
	j.MeshID = fields["meshId"]
	j.Priority = atoiOr(fields["priority"], 0)
	j.Status = model.Status(fields["status"])
	j.Attempt = atoiOr(fields["attempt"], 0)
	j.StalledCount = atoiOr(fields["stalledCount"], 0)
	j.Progress = atofOr(fields["progress"], 0)
	j.CreatedAt = atoi64Or(fields["createdAt"], 0)
	j.ScheduledFor = atoi64Or(fields["scheduledFor"], 0)
	j.ClaimedAt = atoi64Or(fields["claimedAt"], 0)
	j.CompletedAt = atoi64Or(fields["completedAt"], 0)
	j.UpdatedAt = atoi64Or(fields["updatedAt"], 0)
	j.ProcessedBy = fields["processedBy"]
	j.BatchID = fields["batchId"]
	return j
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func atoi64Or(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func atofOr(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

// ServerFields flattens a Server record into the string map written with
// HSET for `{ns}:server:{id}` (spec §4.1 "field-map with TTL"). Slice/map
// fields are JSON-encoded, matching how claim-job's Lua call already
// JSON-encodes a worker's capability list (internal/scripts.ClaimJobInput).
func ServerFields(s model.Server) map[string]string {
	return map[string]string{
		"id":             s.ID,
		"stack":          s.Stack,
		"capabilities":   mustJSONString(s.Capabilities),
		"meshIds":        mustJSONString(s.MeshIDs),
		"region":         s.Region,
		"resources":      mustJSONString(s.Resources),
		"metadata":       mustJSONString(s.Metadata),
		"status":         string(s.Status),
		"lastHeartbeat":  strconv.FormatInt(s.LastHeartbeat, 10),
		"currentLoad":    strconv.Itoa(s.CurrentLoad),
		"totalProcessed": strconv.FormatInt(s.TotalProcessed, 10),
		"totalFailed":    strconv.FormatInt(s.TotalFailed, 10),
	}
}

// ParseServer reconstructs a Server from the string map read back by
// HGETALL. Missing/malformed fields parse as zero values.
func ParseServer(id string, fields map[string]string) model.Server {
	s := model.Server{ID: id}
	s.Stack = fields["stack"]
	_ = json.Unmarshal([]byte(fields["capabilities"]), &s.Capabilities)
	_ = json.Unmarshal([]byte(fields["meshIds"]), &s.MeshIDs)
	s.Region = fields["region"]
	_ = json.Unmarshal([]byte(fields["resources"]), &s.Resources)
	_ = json.Unmarshal([]byte(fields["metadata"]), &s.Metadata)
	s.Status = model.ServerStatus(fields["status"])
	s.LastHeartbeat = atoi64Or(fields["lastHeartbeat"], 0)
	s.CurrentLoad = atoiOr(fields["currentLoad"], 0)
	s.TotalProcessed = atoi64Or(fields["totalProcessed"], 0)
	s.TotalFailed = atoi64Or(fields["totalFailed"], 0)
	return s
}

func mustJSONString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// MeshFields flattens a Mesh record into the string map written with HSET
// for `{ns}:mesh:{id}` (spec §3 "auto-created on first server registration").
func MeshFields(m model.Mesh) map[string]string {
	return map[string]string{
		"id":          m.ID,
		"name":        m.Name,
		"description": m.Description,
		"createdAt":   strconv.FormatInt(m.CreatedAt, 10),
		"config":      mustJSONString(m.Config),
	}
}

// ParseMesh reconstructs a Mesh from the string map read back by HGETALL.
func ParseMesh(id string, fields map[string]string) model.Mesh {
	m := model.Mesh{ID: id}
	m.Name = fields["name"]
	m.Description = fields["description"]
	m.CreatedAt = atoi64Or(fields["createdAt"], 0)
	_ = json.Unmarshal([]byte(fields["config"]), &m.Config)
	return m
}
