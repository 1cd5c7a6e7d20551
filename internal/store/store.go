// Package store provides the durable local record store for inspections.
//
// The store owns InspectionRecord persistence exclusively. All operations
// are purely local; a caller layer decides whether a saved record also
// needs a pending-sync queue entry.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/urbanforestry/treesync/internal/errors"
	"github.com/urbanforestry/treesync/internal/media"
	"github.com/urbanforestry/treesync/internal/models"
	"github.com/urbanforestry/treesync/internal/notify"
	"github.com/urbanforestry/treesync/internal/uuid"
)

// Store provides CRUD over InspectionRecord with by-status and by-date
// secondary lookups.
type Store struct {
	db       *sql.DB
	codec    *media.Codec
	notifier notify.Notifier

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// New creates a Store. The notifier may be nil, in which case comment and
// priority changes produce no outward notification.
func New(db *sql.DB, codec *media.Codec, notifier notify.Notifier) *Store {
	if codec == nil {
		codec = media.NewCodec(media.DefaultMaxWidth, media.DefaultQuality)
	}
	return &Store{db: db, codec: codec, notifier: notifier}
}

// prepareStmt gets or creates a prepared statement from the cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const inspectionColumns = `id, title, details, community_board, status, priority,
	address, latitude, longitude, scheduled_date,
	inspector_id, inspector_name, inspector_email,
	images, admin_comments, notes,
	created_at, updated_at, synced, remote_id`

// Save persists a record plus zero or more raw captured images.
//
// Raw images are compressed through the codec and appended to the record's
// existing images; prior entries are never replaced or truncated. The id
// and created_at are assigned when absent, updated_at always refreshes and
// synced resets to false. Save never makes network calls.
func (s *Store) Save(rec *models.InspectionRecord, rawImages [][]byte) (*models.InspectionRecord, error) {
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "record is required")
	}
	if !models.ValidStatus(rec.Status) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid status %q", rec.Status)
	}

	rec.Normalize()

	// Compress every image before touching the database so an undecodable
	// input rejects the whole save.
	encoded := make([]string, 0, len(rawImages))
	for _, raw := range rawImages {
		enc, err := s.codec.Compress(raw)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, enc)
	}

	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	rec.Touch()
	rec.Synced = false
	rec.Images = append(rec.Images, encoded...)

	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// put writes a record unconditionally (insert or replace).
func (s *Store) put(rec *models.InspectionRecord) error {
	images, err := json.Marshal(rec.Images)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode images", err)
	}
	comments, err := json.Marshal(rec.AdminComments)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode comments", err)
	}
	notes, err := json.Marshal(rec.Notes)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode notes", err)
	}

	query := `
	INSERT OR REPLACE INTO inspections (` + inspectionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		rec.ID, rec.Title, rec.Details, rec.CommunityBoard, rec.Status, rec.Priority,
		rec.Location.Address, rec.Location.Latitude, rec.Location.Longitude, rec.ScheduledDate,
		rec.Inspector.ID, rec.Inspector.Name, rec.Inspector.Email,
		string(images), string(comments), string(notes),
		rec.CreatedAt, rec.UpdatedAt, rec.Synced, rec.RemoteID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to persist record", err)
	}
	return nil
}

// scanRecord scans one inspection row.
func scanRecord(row interface {
	Scan(dest ...interface{}) error
}) (*models.InspectionRecord, error) {
	var rec models.InspectionRecord
	var images, comments, notes string

	err := row.Scan(
		&rec.ID, &rec.Title, &rec.Details, &rec.CommunityBoard, &rec.Status, &rec.Priority,
		&rec.Location.Address, &rec.Location.Latitude, &rec.Location.Longitude, &rec.ScheduledDate,
		&rec.Inspector.ID, &rec.Inspector.Name, &rec.Inspector.Email,
		&images, &comments, &notes,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.Synced, &rec.RemoteID,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(images), &rec.Images); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt images column", err)
	}
	if err := json.Unmarshal([]byte(comments), &rec.AdminComments); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt admin_comments column", err)
	}
	if err := json.Unmarshal([]byte(notes), &rec.Notes); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt notes column", err)
	}

	rec.Normalize()
	return &rec, nil
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (*models.InspectionRecord, error) {
	stmt, err := s.prepareStmt(`SELECT ` + inspectionColumns + ` FROM inspections WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare get", err)
	}

	rec, err := scanRecord(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "inspection %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
	}
	return rec, nil
}

// GetAll returns every record in storage order. Callers sort as needed.
func (s *Store) GetAll() ([]*models.InspectionRecord, error) {
	return s.queryRecords(`SELECT ` + inspectionColumns + ` FROM inspections`)
}

// ListByStatus returns records with the given status via the by-status index.
func (s *Store) ListByStatus(status models.Status) ([]*models.InspectionRecord, error) {
	if !models.ValidStatus(status) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid status %q", status)
	}
	return s.queryRecords(`SELECT `+inspectionColumns+` FROM inspections WHERE status = ?`, status)
}

// ListByDateRange returns records scheduled in [from, to] via the by-date index.
func (s *Store) ListByDateRange(from, to time.Time) ([]*models.InspectionRecord, error) {
	return s.queryRecords(
		`SELECT `+inspectionColumns+` FROM inspections WHERE scheduled_date BETWEEN ? AND ? ORDER BY scheduled_date`,
		from.UnixMilli(), to.UnixMilli(),
	)
}

// ListUnsynced returns records whose remote state is not confirmed.
func (s *Store) ListUnsynced() ([]*models.InspectionRecord, error) {
	return s.queryRecords(`SELECT ` + inspectionColumns + ` FROM inspections WHERE synced = 0`)
}

func (s *Store) queryRecords(query string, args ...interface{}) ([]*models.InspectionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	records := make([]*models.InspectionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate records", err)
	}
	return records, nil
}

// UpdateStatus merges a status change into an existing record.
// Images and all other fields are preserved; updated_at strictly increases.
func (s *Store) UpdateStatus(id string, status models.Status) (*models.InspectionRecord, error) {
	if !models.ValidStatus(status) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid status %q", status)
	}

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	rec.Status = status
	rec.Touch()
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AddAdminComment appends a comment to the record's append-only comment
// sequence and notifies the record's inspector. Notification failure is
// logged but never rolls back the comment write.
func (s *Store) AddAdminComment(id, text string, admin models.Inspector) (*models.InspectionRecord, error) {
	if text == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "comment text is required")
	}

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	rec.AdminComments = append(rec.AdminComments, models.AdminComment{
		ID:        uuid.New(),
		Text:      text,
		CreatedAt: time.Now().UnixMilli(),
		AdminID:   admin.ID,
		AdminName: admin.Name,
		Read:      false,
	})
	rec.Touch()
	if err := s.put(rec); err != nil {
		return nil, err
	}

	notify.Dispatch(s.notifier, notify.Notification{
		Kind:           notify.KindComment,
		RecordID:       rec.ID,
		RecipientEmail: rec.Inspector.Email,
		Subject:        fmt.Sprintf("New comment on %q", rec.Title),
		Body:           text,
	})

	return rec, nil
}

// UpdatePriority merges an admin priority change and notifies the
// record's inspector.
func (s *Store) UpdatePriority(id string, priority models.Priority, admin models.Inspector) (*models.InspectionRecord, error) {
	if !models.ValidPriority(priority) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid priority %q", priority)
	}

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	rec.Priority = priority
	rec.Touch()
	if err := s.put(rec); err != nil {
		return nil, err
	}

	notify.Dispatch(s.notifier, notify.Notification{
		Kind:           notify.KindPriorityChange,
		RecordID:       rec.ID,
		RecipientEmail: rec.Inspector.Email,
		Subject:        fmt.Sprintf("Priority of %q set to %s", rec.Title, priority),
		Body:           fmt.Sprintf("Priority changed by %s", admin.Name),
	})

	return rec, nil
}

// AddNote appends a free-form inspector note.
func (s *Store) AddNote(id, text string) (*models.InspectionRecord, error) {
	if text == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "note text is required")
	}

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	rec.Notes = append(rec.Notes, models.Note{
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	rec.Touch()
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkUnsynced flags a record as needing remote reconciliation again.
// Pure sync bookkeeping: content fields and updated_at are untouched.
func (s *Store) MarkUnsynced(id string) (*models.InspectionRecord, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	rec.Synced = false
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkSynced records a remote acknowledgment: the remote id is set, synced
// flips to true and embedded image blobs are replaced with their uploaded
// URLs. Sync may substitute entries but must never drop one.
func (s *Store) MarkSynced(id, remoteID string, imageURLs []string) (*models.InspectionRecord, error) {
	if remoteID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "remote id is required")
	}

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if imageURLs != nil {
		if len(imageURLs) < len(rec.Images) {
			return nil, apperrors.Newf(apperrors.ErrInternal,
				"sync would drop images: %d -> %d", len(rec.Images), len(imageURLs))
		}
		rec.Images = imageURLs
	}

	rec.Synced = true
	rec.RemoteID = remoteID
	rec.Touch()
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
