package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/picobot/picobot/errors"
)

// ValidateSchedule checks a schedule kind/expression pair without touching
// the store. minCronInterval caps resource usage from misconfigured cron
// expressions by requiring consecutive occurrences at least that far apart.
func ValidateSchedule(kind ScheduleKind, expr string, minCronInterval time.Duration) error {
	switch kind {
	case ScheduleInterval:
		if _, err := parseIntervalExpr(expr); err != nil {
			return err
		}
		return nil
	case ScheduleOnce:
		if _, err := parseOnceExpr(expr, time.Now().UTC()); err != nil {
			return err
		}
		return nil
	case ScheduleCron:
		sched, err := parseCronExpr(expr)
		if err != nil {
			return err
		}
		// Probe two consecutive occurrences to enforce the interval floor.
		now := time.Now().UTC()
		next := sched.Next(now)
		if next.IsZero() {
			return errors.Wrap(ErrInvalidSchedule, "cron has no future occurrences")
		}
		follow := sched.Next(next)
		if !follow.IsZero() && follow.Sub(next) < minCronInterval {
			return errors.Wrapf(ErrInvalidSchedule,
				"cron interval must be at least %s", minCronInterval)
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidSchedule, "unknown schedule kind: %q", kind)
	}
}

// ComputeInitialRun returns the first next_run_at for a new job.
func ComputeInitialRun(kind ScheduleKind, expr string, now time.Time) (time.Time, error) {
	switch kind {
	case ScheduleInterval:
		interval, err := parseIntervalExpr(expr)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(interval), nil
	case ScheduleOnce:
		return parseOnceExpr(expr, now)
	case ScheduleCron:
		sched, err := parseCronExpr(expr)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(now)
		if next.IsZero() {
			return time.Time{}, errors.Wrap(ErrInvalidSchedule, "cron has no future occurrences")
		}
		return next, nil
	default:
		return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "unknown schedule kind: %q", kind)
	}
}

// nextRunAfterSuccess computes the reschedule for a job that just completed.
// Returns the new next_run_at, whether the job stays enabled, and an
// optional note recorded as last_error when the job is disabled because its
// expression stopped parsing.
//
// Interval jobs anchor on the run's scheduled time, not on completion time,
// so a 60s job scheduled at t0 runs at t0+60, t0+120, ... without drift.
// If the scheduler fell behind, the anchor is advanced past now in whole
// intervals so recovery does not produce a run storm.
func nextRunAfterSuccess(job *ScheduledJob, now time.Time) (next time.Time, enabled bool, note string) {
	// The run being completed has not been counted yet; +1 so the final
	// allowed run leaves the job disabled rather than one claim short.
	if job.MaxExecutions != nil && job.ExecutionCount+1 >= *job.MaxExecutions {
		return job.NextRunAt, false, ""
	}

	switch job.Kind {
	case ScheduleInterval:
		interval, err := parseIntervalExpr(job.Expr)
		if err != nil {
			return job.NextRunAt, false, "invalid interval schedule"
		}
		anchor := job.NextRunAt
		if anchor.IsZero() {
			anchor = now
		}
		next = anchor.Add(interval)
		for !next.After(now) {
			next = next.Add(interval)
		}
		return next, true, ""
	case ScheduleOnce:
		// Exactly one execution; the row stays for history but never claims.
		return job.NextRunAt, false, ""
	case ScheduleCron:
		sched, err := parseCronExpr(job.Expr)
		if err != nil {
			return job.NextRunAt, false, "invalid cron schedule"
		}
		next = sched.Next(now)
		if next.IsZero() {
			return job.NextRunAt, false, "cron has no future occurrences"
		}
		return next, true, ""
	default:
		return job.NextRunAt, false, "unknown schedule kind"
	}
}

// calculateBackoff returns min(base << failures, max), monotonically
// non-decreasing in the failure count.
func calculateBackoff(failures int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if failures < 0 {
		failures = 0
	}
	if failures > 16 {
		failures = 16
	}
	backoff := base << uint(failures)
	if backoff <= 0 || backoff > max {
		return max
	}
	return backoff
}

func parseIntervalExpr(expr string) (time.Duration, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(expr), 10, 64)
	if err != nil || secs < 1 {
		return 0, errors.Wrapf(ErrInvalidSchedule,
			"interval schedule_expr must be a positive number of seconds, got %q", expr)
	}
	return time.Duration(secs) * time.Second, nil
}

func parseOnceExpr(expr string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" || trimmed == "now" {
		return now, nil
	}
	at, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidSchedule,
			"once schedule_expr must be an RFC3339 timestamp, got %q", expr)
	}
	return at.UTC(), nil
}

// parseCronExpr parses a cron expression with optional timezone prefix.
// Accepted forms: "*/5 * * * *", "America/New_York|*/5 * * * *", and the
// native "CRON_TZ=America/New_York */5 * * * *". UTC when unspecified.
func parseCronExpr(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "cron expression missing")
	}

	spec := trimmed
	if !strings.HasPrefix(trimmed, "CRON_TZ=") && !strings.HasPrefix(trimmed, "TZ=") {
		tz := "UTC"
		if tzName, rest, found := strings.Cut(trimmed, "|"); found {
			tzName = strings.TrimSpace(tzName)
			rest = strings.TrimSpace(rest)
			if rest == "" {
				return nil, errors.Wrap(ErrInvalidSchedule, "cron expression missing")
			}
			if _, err := time.LoadLocation(tzName); err != nil {
				return nil, errors.Wrapf(ErrInvalidSchedule, "invalid cron timezone: %q", tzName)
			}
			tz = tzName
			spec = rest
		}
		spec = "CRON_TZ=" + tz + " " + spec
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSchedule, "parse cron expression: %v", err)
	}
	return sched, nil
}
