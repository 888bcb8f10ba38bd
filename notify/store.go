package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/picobot/picobot/errors"
)

// ErrNotFound marks lookups for notification rows that do not exist.
var ErrNotFound = errors.New("notification not found")

// Store persists notification rows in SQLite using the same timestamp
// conventions as the scheduler tables.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

const recordColumns = `id, channel, target, payload, execution_id, status,
		attempt_count, next_attempt_at, last_error, created_at, updated_at`

func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Channel, rec.Target, rec.Payload, nullString(rec.ExecutionID),
		string(rec.Status), rec.AttemptCount, formatTime(rec.NextAttemptAt),
		nullString(rec.LastError), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "insert notification")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM notifications WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "notification %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get notification")
	}
	return rec, nil
}

// Update writes mutable delivery state back to a row.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Status), rec.AttemptCount, formatTime(rec.NextAttemptAt),
		nullString(rec.LastError), formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return errors.Wrap(err, "update notification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "notification %s", rec.ID)
	}
	return nil
}

// ClaimDue selects non-terminal rows whose next attempt time has passed,
// oldest first, flipping each to Sending with a conditional update so a
// concurrent drain pass never claims the same row twice.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM notifications
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`,
		string(StatusPending), string(StatusRetrying), formatTime(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due notifications")
	}
	candidates, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]*Record, 0, len(candidates))
	for _, rec := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE notifications
			SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(StatusSending), formatTime(now),
			rec.ID, string(StatusPending), string(StatusRetrying))
		if err != nil {
			return nil, errors.Wrap(err, "claim notification")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // raced with another drainer
		}
		rec.Status = StatusSending
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate notifications")
	}
	return recs, nil
}

// RecoverStuck flips Sending rows back to Pending, used on boot when a
// previous process died mid-delivery.
func (s *Store) RecoverStuck(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, last_error = NULL, updated_at = ?
		WHERE status = ?`,
		string(StatusPending), formatTime(time.Now().UTC()), string(StatusSending))
	if err != nil {
		return 0, errors.Wrap(err, "recover stuck notifications")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warnw("Recovered notifications stuck in sending", "count", n)
	}
	return int(n), nil
}

// CountByStatus returns row counts per status for observability.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count notifications")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan notification count")
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate notification counts")
	}
	return counts, nil
}

// DeleteTerminalBefore prunes delivered and dead-lettered rows older than
// cutoff. Returns the number removed.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusDelivered), string(StatusFailed), formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "prune notifications")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                           Record
		status                        string
		executionID, lastErr          sql.NullString
		nextAttempt, created, updated string
	)
	err := row.Scan(&rec.ID, &rec.Channel, &rec.Target, &rec.Payload, &executionID,
		&status, &rec.AttemptCount, &nextAttempt, &lastErr, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.ExecutionID = executionID.String
	rec.LastError = lastErr.String
	if rec.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &rec, nil
}

// timeLayout matches the scheduler store: fixed-width fraction so lexical
// comparisons in ClaimDue stay chronological.
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

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
