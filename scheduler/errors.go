package scheduler

import "github.com/picobot/picobot/errors"

// Sentinel errors surfaced by the scheduler API. Check with errors.Is; the
// wrapped chain carries the specifics.
var (
	// ErrDisabled is returned by mutating calls while the scheduler is
	// disabled by configuration.
	ErrDisabled = errors.New("scheduler disabled")

	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidSchedule is returned for malformed schedule expressions,
	// intervals below the floor, and missing required fields. Never
	// persisted; rejected synchronously at creation.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrQuotaExceeded is returned when a creation would exceed the owner's
	// job count or creation-window quota. Existing jobs are unaffected.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrPermissionDenied is returned when the authorization layer rejects
	// a schedule-class action. Always surfaced, never downgraded.
	ErrPermissionDenied = errors.New("permission denied")

	// errClaimLost is internal: a completion or failure write found the
	// claim already gone (expired and reclaimed, or the job was cancelled).
	// Expected under concurrency; logged, never surfaced.
	errClaimLost = errors.New("claim lost")
)
