package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/picobot/picobot/errors"
)

// ExecutionStore persists per-run history rows for scheduled jobs.
type ExecutionStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewExecutionStore(db *sql.DB, logger *zap.SugaredLogger) *ExecutionStore {
	return &ExecutionStore{db: db, logger: logger}
}

// InsertExecution records the start of a run with status Running.
func (s *ExecutionStore) InsertExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = ExecutionRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions
			(id, job_id, started_at, completed_at, status, result_summary, error, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, formatTime(exec.StartedAt), nullTimePtr(exec.CompletedAt),
		string(exec.Status), nullString(exec.ResultSummary), nullString(exec.Error),
		exec.ExecutionTimeMs)
	if err != nil {
		return errors.Wrap(err, "insert execution")
	}
	return nil
}

// UpdateExecution writes the terminal state of a run.
func (s *ExecutionStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET completed_at = ?, status = ?, result_summary = ?, error = ?, execution_time_ms = ?
		WHERE id = ?`,
		nullTimePtr(exec.CompletedAt), string(exec.Status), nullString(exec.ResultSummary),
		nullString(exec.Error), exec.ExecutionTimeMs, exec.ID)
	if err != nil {
		return errors.Wrap(err, "update execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "execution %s", exec.ID)
	}
	return nil
}

// ListExecutions returns a job's run history, newest first.
func (s *ExecutionStore) ListExecutions(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, started_at, completed_at, status, result_summary, error, execution_time_ms
		FROM schedule_executions
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`, jobID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var execs []*JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate executions")
	}
	return execs, nil
}

// CountRunningByUser counts executions still marked Running per user,
// joining against the owning job. Used to rebuild in-flight concurrency
// counters after a restart.
func (s *ExecutionStore) CountRunningByUser(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.user_id, COUNT(*)
		FROM schedule_executions e
		JOIN schedules j ON j.id = e.job_id
		WHERE e.status = ?
		GROUP BY j.user_id`, string(ExecutionRunning))
	if err != nil {
		return nil, errors.Wrap(err, "count running executions")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, errors.Wrap(err, "scan running count")
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate running counts")
	}
	return counts, nil
}

// MarkOrphansFailed flips abandoned Running executions to Failed, used on
// boot when a previous process died mid-run. Only rows whose owning job's
// claim has lapsed (or a row with no surviving job) are touched: a Running
// row under a live claim belongs to another worker and must be left alone
// so its completion write still lands and boot-time counter rebuilds still
// see it.
func (s *ExecutionStore) MarkOrphansFailed(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, completed_at = ?, error = 'orphaned by process restart'
		WHERE status = ?
		  AND job_id NOT IN (
			SELECT id FROM schedules
			WHERE claim_expires_at IS NOT NULL AND claim_expires_at > ?
		  )`,
		string(ExecutionFailed), formatTime(now.UTC()), string(ExecutionRunning),
		formatTime(now.UTC()))
	if err != nil {
		return 0, errors.Wrap(err, "mark orphaned executions")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warnw("Marked orphaned executions as failed", "count", n)
	}
	return int(n), nil
}

func scanExecution(rows *sql.Rows) (*JobExecution, error) {
	var (
		exec                  JobExecution
		status                string
		startedAt             string
		completedAt           sql.NullString
		resultSummary, errMsg sql.NullString
		elapsed               sql.NullInt64
	)
	err := rows.Scan(&exec.ID, &exec.JobID, &startedAt, &completedAt,
		&status, &resultSummary, &errMsg, &elapsed)
	if err != nil {
		return nil, err
	}
	exec.Status = ExecutionStatus(status)
	exec.ResultSummary = resultSummary.String
	exec.Error = errMsg.String
	if elapsed.Valid {
		exec.ExecutionTimeMs = &elapsed.Int64
	}
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}
