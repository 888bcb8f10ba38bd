package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/picobot/picobot/errors"
	"github.com/picobot/picobot/kernel"
)

// Store persists scheduled jobs in SQLite. All timestamps are stored as
// fixed-width RFC3339 strings in UTC so lexical order matches chronological
// order; RFC3339Nano would trim trailing zeros and break that for
// whole-second values.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

const jobColumns = `id, name, schedule_kind, schedule_expr, task_prompt, session_id,
		user_id, channel_id, capabilities_json, creator_principal, created_by_system,
		enabled, max_executions, execution_count,
		claimed_at, claim_id, claim_expires_at,
		last_run_at, next_run_at, consecutive_failures, last_error, backoff_until,
		metadata_json, created_at, updated_at`

// CreateJob inserts a new job row. The caller is responsible for quota and
// authorization checks; the store only persists.
func (s *Store) CreateJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	principal, err := kernel.MarshalPrincipal(job.Creator)
	if err != nil {
		return errors.Wrap(err, "marshal creator principal")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(job.Kind), job.Expr, job.TaskPrompt, job.SessionID,
		job.UserID, nullString(job.ChannelID), string(job.Capabilities), principal, boolToInt(job.CreatedBySystem),
		boolToInt(job.Enabled), nullIntPtr(job.MaxExecutions), job.ExecutionCount,
		nullTimePtr(job.ClaimedAt), nullString(job.ClaimID), nullTimePtr(job.ClaimExpiresAt),
		nullTimePtr(job.LastRunAt), formatTime(job.NextRunAt), job.ConsecutiveFailures,
		nullString(job.LastError), nullTimePtr(job.BackoffUntil),
		nullString(job.Metadata), formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "insert scheduled job")
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM schedules WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get scheduled job")
	}
	return job, nil
}

// ListJobsByUser returns a user's jobs, optionally filtered to one session,
// newest first.
func (s *Store) ListJobsByUser(ctx context.Context, userID, sessionID string) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM schedules WHERE user_id = ?`
	args := []any{userID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list scheduled jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateJob persists mutable job fields. Claim fields are deliberately not
// touched here; they only move through ClaimDueJobs and the release paths.
func (s *Store) UpdateJob(ctx context.Context, job *ScheduledJob) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, schedule_kind = ?, schedule_expr = ?, task_prompt = ?,
		    enabled = ?, max_executions = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		job.Name, string(job.Kind), job.Expr, job.TaskPrompt,
		boolToInt(job.Enabled), nullIntPtr(job.MaxExecutions),
		formatTime(job.NextRunAt), formatTime(job.UpdatedAt), job.ID)
	if err != nil {
		return errors.Wrap(err, "update scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

// CountJobsForUser counts all job rows owned by a user, enabled or not.
func (s *Store) CountJobsForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count jobs for user")
	}
	return count, nil
}

// CountRecentJobsForUser counts jobs a user created at or after since,
// backing the sliding-window creation quota.
func (s *Store) CountRecentJobsForUser(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules WHERE user_id = ? AND created_at >= ?`,
		userID, formatTime(since)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count recent jobs for user")
	}
	return count, nil
}

// ClaimDueJobs atomically claims up to limit due jobs for this scheduler
// instance and returns them. A job is due when it is enabled, its
// next_run_at has passed, it is not backing off, any previous claim has
// expired, and it has executions remaining. The claim is a single
// conditional UPDATE so concurrent schedulers never claim the same row.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int, ttl time.Duration) ([]*ScheduledJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	claimID := uuid.New().String()
	nowStr := formatTime(now)

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET claimed_at = ?, claim_id = ?, claim_expires_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM schedules
			WHERE enabled = 1
			  AND next_run_at <= ?
			  AND (backoff_until IS NULL OR backoff_until <= ?)
			  AND (claim_expires_at IS NULL OR claim_expires_at <= ?)
			  AND (max_executions IS NULL OR execution_count < max_executions)
			ORDER BY next_run_at ASC
			LIMIT ?
		)`,
		nowStr, claimID, formatTime(now.Add(ttl)), nowStr,
		nowStr, nowStr, nowStr, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due jobs")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM schedules WHERE claim_id = ? ORDER BY next_run_at ASC`, claimID)
	if err != nil {
		return nil, errors.Wrap(err, "load claimed jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Completion carries the post-run state written back by CompleteJob.
type Completion struct {
	LastRunAt time.Time
	NextRunAt time.Time
	Enabled   bool
	Note      string
}

// CompleteJob releases a claim after a successful run, advancing the
// schedule and clearing failure state. The update is guarded by claim_id so
// a scheduler whose claim expired and was taken over cannot clobber the new
// claimant's state.
func (s *Store) CompleteJob(ctx context.Context, id, claimID string, c Completion) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET claimed_at = NULL, claim_id = NULL, claim_expires_at = NULL,
		    last_run_at = ?, next_run_at = ?, enabled = ?,
		    execution_count = execution_count + 1,
		    consecutive_failures = 0, last_error = ?, backoff_until = NULL,
		    updated_at = ?
		WHERE id = ? AND claim_id = ?`,
		formatTime(c.LastRunAt), formatTime(c.NextRunAt), boolToInt(c.Enabled),
		nullString(c.Note), formatTime(time.Now().UTC()), id, claimID)
	if err != nil {
		return errors.Wrap(err, "complete scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errClaimLost, "job %s claim lost", id)
	}
	return nil
}

// FailJob releases a claim after a failed run, recording the error and
// pushing the job into backoff. Guarded by claim_id like CompleteJob.
func (s *Store) FailJob(ctx context.Context, id, claimID string, backoffUntil time.Time, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET claimed_at = NULL, claim_id = NULL, claim_expires_at = NULL,
		    last_run_at = ?, execution_count = execution_count + 1,
		    consecutive_failures = consecutive_failures + 1,
		    last_error = ?, backoff_until = ?, updated_at = ?
		WHERE id = ? AND claim_id = ?`,
		formatTime(time.Now().UTC()), errText, formatTime(backoffUntil),
		formatTime(time.Now().UTC()), id, claimID)
	if err != nil {
		return errors.Wrap(err, "fail scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errClaimLost, "job %s claim lost", id)
	}
	return nil
}

// ReleaseClaim drops a claim without recording a run, used when execution
// was never started (admission denied, shutdown).
func (s *Store) ReleaseClaim(ctx context.Context, id, claimID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET claimed_at = NULL, claim_id = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_id = ?`,
		formatTime(time.Now().UTC()), id, claimID)
	if err != nil {
		return errors.Wrap(err, "release claim")
	}
	return nil
}

// DisableJob turns a job off regardless of claim state. The claim fields
// are cleared too, so a claimant still holding the old claim id loses its
// Complete/Fail write and the row stays off.
func (s *Store) DisableJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			enabled = 0,
			claimed_at = NULL,
			claim_id = NULL,
			claim_expires_at = NULL,
			updated_at = ?
		WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrap(err, "disable scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func scanJobs(rows *sql.Rows) ([]*ScheduledJob, error) {
	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scheduled job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate scheduled jobs")
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	var (
		job                                  ScheduledJob
		kind, caps, principal                string
		channelID, claimID, lastErr, meta    sql.NullString
		claimedAt, claimExpires, lastRunAt   sql.NullString
		backoffUntil                         sql.NullString
		nextRunAt, createdAt, updatedAt      string
		maxExecutions                        sql.NullInt64
		enabled, createdBySystem             int
	)
	err := row.Scan(
		&job.ID, &job.Name, &kind, &job.Expr, &job.TaskPrompt, &job.SessionID,
		&job.UserID, &channelID, &caps, &principal, &createdBySystem,
		&enabled, &maxExecutions, &job.ExecutionCount,
		&claimedAt, &claimID, &claimExpires,
		&lastRunAt, &nextRunAt, &job.ConsecutiveFailures, &lastErr, &backoffUntil,
		&meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Kind = ScheduleKind(kind)
	job.Capabilities = kernel.CapabilitySnapshot(caps)
	job.Creator, err = kernel.UnmarshalPrincipal(principal)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal creator principal")
	}
	job.CreatedBySystem = createdBySystem != 0
	job.Enabled = enabled != 0
	if maxExecutions.Valid {
		v := int(maxExecutions.Int64)
		job.MaxExecutions = &v
	}
	job.ChannelID = channelID.String
	job.ClaimID = claimID.String
	job.LastError = lastErr.String
	job.Metadata = meta.String

	if job.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if job.ClaimExpiresAt, err = parseNullTime(claimExpires); err != nil {
		return nil, err
	}
	if job.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, err
	}
	if job.BackoffUntil, err = parseNullTime(backoffUntil); err != nil {
		return nil, err
	}
	if job.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

// timeLayout keeps the fractional second at full width. Parsing accepts
// any RFC 3339 fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
