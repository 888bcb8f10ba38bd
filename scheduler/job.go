// Package scheduler provides durable scheduling and execution of
// time-triggered agent tasks: interval, one-shot and cron jobs claimed
// atomically from a shared SQLite store, executed under the capability
// snapshot captured at creation, with per-user quotas and bounded backoff.
package scheduler

import (
	"time"

	"github.com/picobot/picobot/kernel"
)

// ScheduleKind identifies how a job's next run is computed.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval" // expr: seconds between runs
	ScheduleOnce     ScheduleKind = "once"     // expr: RFC3339 timestamp, or empty for "now"
	ScheduleCron     ScheduleKind = "cron"     // expr: cron spec, optionally "TZ|spec"
)

// ExecutionStatus is the state of a single job run. Transitions out of
// running are terminal.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ScheduledJob is a persistent, user-owned recurring or one-shot task.
//
// Capabilities is the snapshot captured at creation time; every execution
// of the job runs under this snapshot, never the owner's current
// permissions. A job whose ClaimExpiresAt is in the future is owned by
// exactly one claimant.
type ScheduledJob struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name"`
	Kind            ScheduleKind              `json:"schedule_kind"`
	Expr            string                    `json:"schedule_expr"`
	TaskPrompt      string                    `json:"task_prompt"`
	SessionID       string                    `json:"session_id,omitempty"`
	UserID          string                    `json:"user_id"`
	ChannelID       string                    `json:"channel_id,omitempty"`
	Capabilities    kernel.CapabilitySnapshot `json:"capabilities"`
	Creator         kernel.Principal          `json:"creator"`
	CreatedBySystem bool                      `json:"created_by_system"`
	Enabled         bool                      `json:"enabled"`
	MaxExecutions   *int                      `json:"max_executions,omitempty"`
	ExecutionCount  int                       `json:"execution_count"`

	// Claim fields; owned by the store's atomic claim operation.
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimID        string     `json:"claim_id,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           time.Time  `json:"next_run_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`

	Metadata  string    `json:"metadata,omitempty"` // opaque JSON, carried verbatim
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobExecution is an immutable record of one run of a scheduled job.
type JobExecution struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Status          ExecutionStatus `json:"status"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
}

// CreateJobRequest carries everything needed to create a scheduled job.
// Capabilities must be the caller's permission set at creation time; it is
// frozen into the job and never refreshed.
type CreateJobRequest struct {
	Name          string                    `json:"name"`
	Kind          ScheduleKind              `json:"schedule_kind"`
	Expr          string                    `json:"schedule_expr"`
	TaskPrompt    string                    `json:"task_prompt"`
	SessionID     string                    `json:"session_id,omitempty"`
	UserID        string                    `json:"user_id"`
	ChannelID     string                    `json:"channel_id,omitempty"`
	Capabilities  kernel.CapabilitySnapshot `json:"capabilities"`
	Creator       kernel.Principal          `json:"creator"`
	Enabled       bool                      `json:"enabled"`
	MaxExecutions *int                      `json:"max_executions,omitempty"`
	Metadata      string                    `json:"metadata,omitempty"`
}

// JobPatch updates a job's definition. Only non-nil fields are applied, and
// only the next run is affected; a currently running execution keeps the
// definition it was claimed with.
type JobPatch struct {
	Name       *string       `json:"name,omitempty"`
	TaskPrompt *string       `json:"task_prompt,omitempty"`
	Kind       *ScheduleKind `json:"schedule_kind,omitempty"`
	Expr       *string       `json:"schedule_expr,omitempty"`
	Enabled    *bool         `json:"enabled,omitempty"`
}
