// Package queue provides the durable pending-sync queue for remote
// operations that could not be confirmed immediately.
package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/urbanforestry/treesync/internal/errors"
	"github.com/urbanforestry/treesync/internal/logging"
	"github.com/urbanforestry/treesync/internal/models"
)

// Policy is the retry policy applied to queue entries.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration // doubled per retry
	BackoffCap  time.Duration
}

// DefaultPolicy is the canonical retry policy: 5 attempts, exponential
// backoff starting at 1s, capped at 1h.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffCap:  time.Hour,
	}
}

// Queue is a durable FIFO-ish holding area backed by the pending_sync
// table. Entries are drained in insertion order.
type Queue struct {
	db     *sql.DB
	policy Policy
}

// New creates a Queue with the given retry policy.
func New(db *sql.DB, policy Policy) *Queue {
	if policy.MaxRetries <= 0 {
		policy = DefaultPolicy()
	}
	return &Queue{db: db, policy: policy}
}

// Enqueue records that the given record needs syncing, holding a
// snapshot of its current state. The queue keeps at most one entry per
// record: enqueueing again replaces the previous entry with the fresh
// snapshot and resets its retry state, so repeated local saves never
// pile up duplicate remote operations.
func (q *Queue) Enqueue(rec *models.InspectionRecord, op models.SyncOperation) (*models.PendingSyncEntry, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to snapshot record", err)
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin enqueue transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM pending_sync WHERE record_id = ?", rec.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to coalesce sync entries", err)
	}
	if replaced, _ := res.RowsAffected(); replaced > 0 {
		logging.Debug("Replaced pending sync entry with fresh snapshot",
			map[string]interface{}{"record_id": rec.ID, "replaced": replaced})
	}

	now := time.Now().UnixMilli()
	res, err = tx.Exec(`
		INSERT INTO pending_sync (record_id, operation, payload, enqueued_at, retry_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, 0, ?, '')`,
		rec.ID, op, string(payload), now, now,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue sync entry", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read entry id", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit enqueue transaction", err)
	}

	logging.Debug("Enqueued sync operation",
		map[string]interface{}{"entry_id": id, "record_id": rec.ID, "operation": string(op)})

	return &models.PendingSyncEntry{
		ID:          id,
		RecordID:    rec.ID,
		Operation:   op,
		Payload:     payload,
		EnqueuedAt:  now,
		NextRetryAt: now,
	}, nil
}

const entryColumns = `id, record_id, operation, payload, enqueued_at, retry_count, next_retry_at, last_error`

// ListAll returns every entry in insertion order.
func (q *Queue) ListAll() ([]*models.PendingSyncEntry, error) {
	return q.list(`SELECT ` + entryColumns + ` FROM pending_sync ORDER BY id`)
}

// ListReady returns entries whose backoff window has elapsed, in
// insertion order.
func (q *Queue) ListReady(now time.Time) ([]*models.PendingSyncEntry, error) {
	return q.list(`SELECT `+entryColumns+` FROM pending_sync WHERE next_retry_at <= ? ORDER BY id`, now.UnixMilli())
}

// ListForRecord returns entries for one record via the record_id index.
func (q *Queue) ListForRecord(recordID string) ([]*models.PendingSyncEntry, error) {
	return q.list(`SELECT `+entryColumns+` FROM pending_sync WHERE record_id = ? ORDER BY id`, recordID)
}

func (q *Queue) list(query string, args ...interface{}) ([]*models.PendingSyncEntry, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list sync entries", err)
	}
	defer rows.Close()

	entries := make([]*models.PendingSyncEntry, 0)
	for rows.Next() {
		var e models.PendingSyncEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Operation, &payload,
			&e.EnqueuedAt, &e.RetryCount, &e.NextRetryAt, &e.LastError); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan sync entry", err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate sync entries", err)
	}
	return entries, nil
}

// Size returns the number of queued entries.
func (q *Queue) Size() (int, error) {
	var n int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM pending_sync").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count sync entries", err)
	}
	return n, nil
}

// Remove deletes an entry. Removing an absent id is not an error.
func (q *Queue) Remove(entryID int64) error {
	if _, err := q.db.Exec("DELETE FROM pending_sync WHERE id = ?", entryID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove sync entry", err)
	}
	return nil
}

// RequeueWithFailure increments the retry counter and records the error.
// Once the counter reaches the configured maximum the entry is permanently
// removed and abandoned=true is returned; the caller must surface the
// abandonment rather than drop it silently.
func (q *Queue) RequeueWithFailure(entry *models.PendingSyncEntry, cause error) (abandoned bool, err error) {
	entry.RetryCount++
	entry.LastError = cause.Error()

	if entry.RetryCount >= q.policy.MaxRetries {
		if err := q.Remove(entry.ID); err != nil {
			return false, err
		}
		logging.Error("Sync entry abandoned after max retries", cause,
			map[string]interface{}{
				"entry_id":    entry.ID,
				"record_id":   entry.RecordID,
				"operation":   string(entry.Operation),
				"retry_count": entry.RetryCount,
			})
		return true, nil
	}

	entry.NextRetryAt = time.Now().Add(q.backoff(entry.RetryCount)).UnixMilli()

	_, err = q.db.Exec(
		"UPDATE pending_sync SET retry_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?",
		entry.RetryCount, entry.NextRetryAt, entry.LastError, entry.ID,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to requeue sync entry", err)
	}

	logging.Warn("Sync entry requeued",
		map[string]interface{}{
			"entry_id":    entry.ID,
			"record_id":   entry.RecordID,
			"retry_count": entry.RetryCount,
			"max_retries": q.policy.MaxRetries,
			"last_error":  entry.LastError,
		})
	return false, nil
}

// backoff computes the exponential delay before the next attempt.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.policy.BackoffBase << uint(retryCount-1)
	if d > q.policy.BackoffCap || d <= 0 {
		d = q.policy.BackoffCap
	}
	return d
}
