package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchedule(t *testing.T) {
	minCron := time.Minute

	tests := []struct {
		name    string
		kind    ScheduleKind
		expr    string
		wantErr bool
	}{
		{"valid interval", ScheduleInterval, "60", false},
		{"zero interval", ScheduleInterval, "0", true},
		{"negative interval", ScheduleInterval, "-5", true},
		{"non-numeric interval", ScheduleInterval, "soon", true},
		{"once empty runs now", ScheduleOnce, "", false},
		{"once rfc3339", ScheduleOnce, "2030-01-02T15:04:05Z", false},
		{"once garbage", ScheduleOnce, "tomorrow", true},
		{"valid cron", ScheduleCron, "*/5 * * * *", false},
		{"cron with timezone", ScheduleCron, "America/New_York|0 9 * * 1-5", false},
		{"cron bad timezone", ScheduleCron, "Mars/Olympus|0 9 * * *", true},
		{"cron bad expression", ScheduleCron, "not a cron", true},
		{"unknown kind", ScheduleKind("hourly"), "60", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchedule(tt.kind, tt.expr, minCron)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateScheduleCronIntervalFloor(t *testing.T) {
	// Every minute passes a 60s floor but fails a 5m floor.
	require.NoError(t, ValidateSchedule(ScheduleCron, "* * * * *", time.Minute))
	err := ValidateSchedule(ScheduleCron, "* * * * *", 5*time.Minute)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestComputeInitialRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	next, err := ComputeInitialRun(ScheduleInterval, "120", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute), next)

	next, err = ComputeInitialRun(ScheduleOnce, "", now)
	require.NoError(t, err)
	assert.Equal(t, now, next)

	next, err = ComputeInitialRun(ScheduleOnce, "2026-03-11T09:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)

	next, err = ComputeInitialRun(ScheduleCron, "0 9 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next.UTC())
}

func TestComputeInitialRunCronTimezone(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// 09:00 New York is 13:00 UTC during daylight saving.
	next, err := ComputeInitialRun(ScheduleCron, "America/New_York|0 9 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextRunAfterSuccessAnchorsOnScheduledTime(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job := &ScheduledJob{
		Kind:      ScheduleInterval,
		Expr:      "60",
		NextRunAt: t0.Add(60 * time.Second),
		Enabled:   true,
	}

	// The run scheduled for t0+60 finished 5s late. The next run is
	// t0+120, anchored on the scheduled time rather than completion.
	next, enabled, note := nextRunAfterSuccess(job, t0.Add(65*time.Second))
	assert.True(t, enabled)
	assert.Empty(t, note)
	assert.Equal(t, t0.Add(120*time.Second), next)
}

func TestNextRunAfterSuccessSkipsMissedIntervals(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job := &ScheduledJob{
		Kind:      ScheduleInterval,
		Expr:      "60",
		NextRunAt: t0,
		Enabled:   true,
	}

	// Scheduler was down for 10 minutes; the next run lands in the
	// future, not on every missed slot.
	next, enabled, _ := nextRunAfterSuccess(job, t0.Add(10*time.Minute))
	assert.True(t, enabled)
	assert.True(t, next.After(t0.Add(10*time.Minute)))
	assert.Equal(t, t0.Add(11*time.Minute), next)
}

func TestNextRunAfterSuccessOnceDisables(t *testing.T) {
	job := &ScheduledJob{
		Kind:      ScheduleOnce,
		Expr:      "",
		NextRunAt: time.Now().UTC(),
		Enabled:   true,
	}
	_, enabled, _ := nextRunAfterSuccess(job, time.Now().UTC())
	assert.False(t, enabled)
}

func TestNextRunAfterSuccessMaxExecutionsDisables(t *testing.T) {
	// The completing run is not yet reflected in ExecutionCount, so a
	// count of max-1 means this run was the last allowed one.
	for _, count := range []int{2, 3} {
		max := 3
		job := &ScheduledJob{
			Kind:           ScheduleInterval,
			Expr:           "60",
			NextRunAt:      time.Now().UTC(),
			Enabled:        true,
			MaxExecutions:  &max,
			ExecutionCount: count,
		}
		_, enabled, _ := nextRunAfterSuccess(job, time.Now().UTC())
		assert.False(t, enabled, "count %d of max 3 must disable", count)
	}

	one := 1
	job := &ScheduledJob{
		Kind:           ScheduleInterval,
		Expr:           "60",
		NextRunAt:      time.Now().UTC(),
		Enabled:        true,
		MaxExecutions:  &one,
		ExecutionCount: 0,
	}
	_, enabled, _ := nextRunAfterSuccess(job, time.Now().UTC())
	assert.False(t, enabled, "single-run job must end disabled after its only run")

	max := 3
	remaining := &ScheduledJob{
		Kind:           ScheduleInterval,
		Expr:           "60",
		NextRunAt:      time.Now().UTC(),
		Enabled:        true,
		MaxExecutions:  &max,
		ExecutionCount: 1,
	}
	_, enabled, _ = nextRunAfterSuccess(remaining, time.Now().UTC())
	assert.True(t, enabled, "budget remaining, job stays on")
}

func TestCalculateBackoff(t *testing.T) {
	base := 30 * time.Second
	max := time.Hour

	assert.Equal(t, time.Minute, calculateBackoff(1, base, max))
	assert.Equal(t, 2*time.Minute, calculateBackoff(2, base, max))
	assert.Equal(t, 4*time.Minute, calculateBackoff(3, base, max))

	// Monotonically non-decreasing and never above max.
	prev := time.Duration(0)
	for failures := 0; failures < 40; failures++ {
		d := calculateBackoff(failures, base, max)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
	assert.Equal(t, max, calculateBackoff(100, base, max))
}
