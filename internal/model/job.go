// Copyright 2025 James Ross
package model

import "time"

// Status is a job's position in the lifecycle state machine (spec §3).
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusBatched   Status = "batched"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether status leaves the job in no queue (invariant I3).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobError is one entry of a job's bounded error history (spec §3, §4.1).
type JobError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	OccurredAt int64  `json:"occurredAt"`
}

// MaxErrorHistory is the cap on job.errors (spec §4.1 "bounded 10").
const MaxErrorHistory = 10

// Job is the unit of work (spec §3).
type Job struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	MeshID       string   `json:"meshId"`
	Priority     int      `json:"priority"`
	Status       Status   `json:"status"`
	Attempt      int      `json:"attempt"`
	StalledCount int      `json:"stalledCount"`
	Progress     float64  `json:"progress"`
	CreatedAt    int64    `json:"createdAt"`
	ScheduledFor int64    `json:"scheduledFor"`
	ClaimedAt    int64    `json:"claimedAt"`
	CompletedAt  int64    `json:"completedAt"`
	UpdatedAt    int64    `json:"updatedAt"`
	ProcessedBy  string   `json:"processedBy"`
	BatchID      string   `json:"batchId,omitempty"`

	Config  JobConfig `json:"-"`
	Payload []byte    `json:"-"`
	Result  []byte    `json:"-"`
	Errors  []JobError `json:"-"`

	DependsOn []string `json:"-"`
	Waiters   []string `json:"-"`
}

// IsLocked reports invariant I2: status=active iff processedBy is set.
func (j Job) IsLocked() bool {
	return j.Status == StatusActive && j.ProcessedBy != ""
}

// Target describes routing constraints for a job (spec §4.6).
type Target struct {
	Server       string   `json:"server,omitempty"`
	Stack        []string `json:"stack,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Region       []string `json:"region,omitempty"`
	Mode         string   `json:"mode,omitempty"` // "any" (default) | "all"
}

// RetryConfig is the retry-eligibility/backoff configuration (spec §6).
type RetryConfig struct {
	MaxAttempts  int     `json:"maxAttempts"`
	Backoff      string  `json:"backoff"` // exponential | linear | fixed
	BaseDelayMs  int64   `json:"baseDelayMs"`
	MaxDelayMs   int64   `json:"maxDelayMs"`
	Enabled      bool    `json:"enabled"`
	JitterFactor float64 `json:"jitterFactor"`
}

// ScheduleConfig carries the three mutually-assistive ways a caller may
// schedule a job (spec §6). The core only ever consumes the resulting
// ScheduledFor timestamp; Cron/Timezone are resolved externally (see
// cronutil and spec §9).
type ScheduleConfig struct {
	DelayMs  int64  `json:"delay,omitempty"`
	RunAtMs  int64  `json:"runAt,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RateLimitConfig gates claim-time admission for a job's bucket (spec §6,
// §4.11).
type RateLimitConfig struct {
	Key            string `json:"key,omitempty"`
	Max            int64  `json:"max,omitempty"`
	WindowSeconds  int64  `json:"windowSeconds,omitempty"`
	MaxConcurrent  int64  `json:"maxConcurrent,omitempty"`
}

// IdempotencyConfig configures the create-job dedup-by-key path.
type IdempotencyConfig struct {
	Key    string `json:"key,omitempty"`
	Window int64  `json:"window,omitempty"` // seconds
}

// LifecycleConfig carries the job-level TTL applied to all its sub-keys.
type LifecycleConfig struct {
	TTLSeconds int64 `json:"ttl,omitempty"`
}

// BehaviorConfig carries small boolean toggles (spec §6).
type BehaviorConfig struct {
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	Deduplication    bool `json:"deduplication,omitempty"`
}

// ChainStep is one successor job template chained off a terminal status.
type ChainStep struct {
	Type     string          `json:"type"`
	Priority int             `json:"priority,omitempty"`
	Payload  []byte          `json:"payload,omitempty"`
	Config   *JobConfig      `json:"config,omitempty"`
}

// ChainConfig names the successor templates run on success/failure
// (spec §6, §4.3 step 7).
type ChainConfig struct {
	OnSuccess []ChainStep `json:"onSuccess,omitempty"`
	OnFailure []ChainStep `json:"onFailure,omitempty"`
}

// DependenciesConfig names jobIds this job must wait for (spec §6).
type DependenciesConfig struct {
	WaitFor []string `json:"waitFor,omitempty"`
}

// JobConfig is the full structured configuration bag enumerated by spec §6.
type JobConfig struct {
	Priority     int                `json:"priority,omitempty"`
	Schedule     ScheduleConfig     `json:"schedule,omitempty"`
	Retry        RetryConfig        `json:"retry,omitempty"`
	Target       Target             `json:"target,omitempty"`
	RateLimit    RateLimitConfig    `json:"rateLimit,omitempty"`
	Idempotency  IdempotencyConfig  `json:"idempotency,omitempty"`
	Lifecycle    LifecycleConfig    `json:"lifecycle,omitempty"`
	Behavior     BehaviorConfig     `json:"behavior,omitempty"`
	Chain        ChainConfig        `json:"chain,omitempty"`
	Dependencies DependenciesConfig `json:"dependencies,omitempty"`
}

// NowMs returns the current time in epoch milliseconds. Callers pass this
// value explicitly into every script invocation (spec §9: "pass now into
// every script invocation from a single caller-side clock") rather than
// letting scripts read the wall clock, so tests can drive virtual time.
func NowMs(t time.Time) int64 { return t.UnixMilli() }
