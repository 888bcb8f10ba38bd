package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/picobot/picobot/errors"
)

// QuotaLimits bound job creation and concurrent execution. Zero values
// mean unlimited for that dimension.
type QuotaLimits struct {
	MaxJobsPerUser       int           // total job rows per user
	MaxCreatesPerWindow  int           // creations per user per sliding window
	CreateWindow         time.Duration // sliding window for creation rate
	MaxConcurrent        int           // global in-flight executions
	MaxConcurrentPerUser int           // in-flight executions per user
}

// QuotaTracker enforces creation quotas against the store and execution
// concurrency against in-memory counters. Creation quotas survive restarts
// for free because they are derived from rows; concurrency counters are
// rebuilt from Running executions via Rebuild.
type QuotaTracker struct {
	store  *Store
	limits QuotaLimits
	logger *zap.SugaredLogger

	mu       sync.Mutex
	inFlight int
	perUser  map[string]int
}

func NewQuotaTracker(store *Store, limits QuotaLimits, logger *zap.SugaredLogger) *QuotaTracker {
	return &QuotaTracker{
		store:   store,
		limits:  limits,
		logger:  logger,
		perUser: make(map[string]int),
	}
}

// CheckCreate verifies another job may be created for a user. The limits
// apply regardless of who is creating: a system-created job still counts
// against the owning user's budget.
func (q *QuotaTracker) CheckCreate(ctx context.Context, userID string) error {
	if q.limits.MaxJobsPerUser > 0 {
		count, err := q.store.CountJobsForUser(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "check job quota")
		}
		if count >= q.limits.MaxJobsPerUser {
			return errors.Wrapf(ErrQuotaExceeded,
				"user %s has %d jobs (limit %d)", userID, count, q.limits.MaxJobsPerUser)
		}
	}
	if q.limits.MaxCreatesPerWindow > 0 && q.limits.CreateWindow > 0 {
		since := time.Now().UTC().Add(-q.limits.CreateWindow)
		recent, err := q.store.CountRecentJobsForUser(ctx, userID, since)
		if err != nil {
			return errors.Wrap(err, "check creation rate quota")
		}
		if recent >= q.limits.MaxCreatesPerWindow {
			return errors.Wrapf(ErrQuotaExceeded,
				"user %s created %d jobs in the last %s (limit %d)",
				userID, recent, q.limits.CreateWindow, q.limits.MaxCreatesPerWindow)
		}
	}
	return nil
}

// AdmitExecution reserves an execution slot for a user. Returns false when
// either the global or per-user concurrency limit is saturated; the caller
// must skip the run and leave the schedule intact.
func (q *QuotaTracker) AdmitExecution(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limits.MaxConcurrent > 0 && q.inFlight >= q.limits.MaxConcurrent {
		return false
	}
	if q.limits.MaxConcurrentPerUser > 0 && q.perUser[userID] >= q.limits.MaxConcurrentPerUser {
		return false
	}
	q.inFlight++
	q.perUser[userID]++
	return true
}

// ReleaseExecution returns a slot reserved by AdmitExecution.
func (q *QuotaTracker) ReleaseExecution(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	if q.perUser[userID] > 0 {
		q.perUser[userID]--
	}
	if q.perUser[userID] == 0 {
		delete(q.perUser, userID)
	}
}

// InFlight reports current global in-flight executions.
func (q *QuotaTracker) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Rebuild replaces the in-memory counters from persisted Running
// executions, called once on startup before the tick loop begins.
func (q *QuotaTracker) Rebuild(ctx context.Context, executions *ExecutionStore) error {
	counts, err := executions.CountRunningByUser(ctx)
	if err != nil {
		return errors.Wrap(err, "rebuild quota counters")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.perUser = make(map[string]int, len(counts))
	q.inFlight = 0
	for userID, n := range counts {
		q.perUser[userID] = n
		q.inFlight += n
	}
	if q.inFlight > 0 {
		q.logger.Infow("Rebuilt execution counters", "in_flight", q.inFlight, "users", len(counts))
	}
	return nil
}
