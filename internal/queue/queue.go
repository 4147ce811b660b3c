package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, form_id, reason, status, attempt, max_attempts, dedupe_key,
  created_at, started_at, completed_at, last_error`

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue adds a refresh job. A job whose dedupe key is already queued or
// running is dropped with a *DedupeDropError.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.FormID == 0 {
		return "", fmt.Errorf("form_id is empty")
	}
	if req.Reason == "" {
		return "", fmt.Errorf("reason is empty")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.DedupeKey != nil {
		var existing string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM refresh_queue
WHERE dedupe_key = ? AND status IN (?, ?)
LIMIT 1;
`, *req.DedupeKey, StatusQueued, StatusRunning).Scan(&existing)
		switch {
		case err == nil:
			return "", &DedupeDropError{DedupeKey: *req.DedupeKey, ExistingJobID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("check dedupe key: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
INSERT INTO refresh_queue(id, form_id, reason, status, attempt, max_attempts, dedupe_key, created_at)
VALUES(?, ?, ?, ?, 1, ?, ?, ?);
`, id, req.FormID, req.Reason, StatusQueued, maxAttempts, req.DedupeKey, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job and marks it running. Returns (nil, nil)
// if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(timeLayout)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM refresh_queue
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE refresh_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		statusS      string
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.FormID, &j.Reason, &statusS, &j.Attempt, &j.MaxAttempts, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &lastError,
	); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

// Complete marks a job terminal.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	completedAt := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx, `
UPDATE refresh_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FindJobsByStatus returns jobs in status, oldest first.
func (q *Queue) FindJobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM refresh_queue
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobForRecovery rewrites a job found running after a crash.
func (q *Queue) UpdateJobForRecovery(ctx context.Context, jobID string, newStatus Status, newAttempt int, lastError string) error {
	var lastErr any
	if lastError != "" {
		lastErr = lastError
	}
	var completedAt any
	if newStatus == StatusDead {
		completedAt = time.Now().UTC().Format(timeLayout)
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE refresh_queue
SET status = ?, attempt = ?, last_error = ?, started_at = NULL, completed_at = ?
WHERE id = ?;
`, newStatus, newAttempt, lastErr, completedAt, jobID)
	if err != nil {
		return fmt.Errorf("update job for recovery: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CancelForm drops queued refreshes for a deleted form.
func (q *Queue) CancelForm(ctx context.Context, formID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM refresh_queue WHERE form_id = ? AND status = ?;`, formID, StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("cancel form refreshes: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_queue WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// PruneCompleted deletes terminal jobs older than retention.
func (q *Queue) PruneCompleted(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `
DELETE FROM refresh_queue
WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
`, StatusSucceeded, StatusFailed, StatusDead, cutoff)
	if err != nil {
		return fmt.Errorf("prune completed jobs: %w", err)
	}
	return nil
}
