// Package models provides data model definitions for the treesync core.
package models

import "encoding/json"

// SyncOperation is the kind of remote operation a queue entry replays.
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
)

// PendingSyncEntry represents one queued remote operation.
//
// Payload is a snapshot of the record taken at enqueue time, so the
// operation replays the state the caller intended even if the record is
// mutated again before the queue drains.
type PendingSyncEntry struct {
	ID          int64           `db:"id" json:"id"`
	RecordID    string          `db:"record_id" json:"record_id"`
	Operation   SyncOperation   `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt  int64           `db:"enqueued_at" json:"enqueued_at"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingSyncEntry.
func (PendingSyncEntry) TableName() string {
	return "pending_sync"
}

// RecordPayload decodes the snapshot back into an InspectionRecord.
func (e *PendingSyncEntry) RecordPayload() (*InspectionRecord, error) {
	var rec InspectionRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return nil, err
	}
	rec.Normalize()
	return &rec, nil
}
