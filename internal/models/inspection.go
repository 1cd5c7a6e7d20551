// Package models provides data model definitions for the treesync core.
package models

import "time"

// Status enumerates the lifecycle states of an inspection.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In-Progress"
	StatusCompleted  Status = "Completed"
)

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority enumerates admin-assigned priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Location is the capture-time position of an inspection.
// The address may be resolved asynchronously and patched in later.
type Location struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Inspector is a snapshot of the acting user at creation time,
// not a live reference.
type Inspector struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AdminComment is one entry in a record's append-only comment sequence.
type AdminComment struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
	AdminID   string `json:"admin_id"`
	AdminName string `json:"admin_name"`
	Read      bool   `json:"read"`
}

// Note is a free-form inspector note.
type Note struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// InspectionRecord is the central entity tracked by this system.
// Timestamps are unix milliseconds.
//
// Each entry of Images is either a base64-encoded JPEG (captured offline,
// no data-URI prefix) or a public blob URL once uploaded. Sync replaces
// blobs with URLs but never drops entries.
type InspectionRecord struct {
	ID             string         `db:"id" json:"id"`
	Title          string         `db:"title" json:"title"`
	Details        string         `db:"details" json:"details"`
	CommunityBoard string         `db:"community_board" json:"community_board"`
	Status         Status         `db:"status" json:"status"`
	Priority       Priority       `db:"priority" json:"priority,omitempty"`
	Location       Location       `db:"location" json:"location"`
	ScheduledDate  int64          `db:"scheduled_date" json:"scheduled_date"`
	Inspector      Inspector      `db:"inspector" json:"inspector"`
	Images         []string       `db:"images" json:"images"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
	UpdatedAt      int64          `db:"updated_at" json:"updated_at"`
	Synced         bool           `db:"synced" json:"synced"`
	RemoteID       string         `db:"remote_id" json:"remote_id,omitempty"`
	AdminComments  []AdminComment `db:"admin_comments" json:"admin_comments"`
	Notes          []Note         `db:"notes" json:"notes"`
}

// TableName returns the table name for InspectionRecord.
func (InspectionRecord) TableName() string {
	return "inspections"
}

// Touch bumps UpdatedAt, keeping it strictly increasing even when two
// mutations land within the same millisecond.
func (r *InspectionRecord) Touch() {
	now := time.Now().UnixMilli()
	if now <= r.UpdatedAt {
		now = r.UpdatedAt + 1
	}
	r.UpdatedAt = now
}

// Normalize replaces nil slices with empty ones so callers never see a
// missing images or comment field.
func (r *InspectionRecord) Normalize() {
	if r.Images == nil {
		r.Images = []string{}
	}
	if r.AdminComments == nil {
		r.AdminComments = []AdminComment{}
	}
	if r.Notes == nil {
		r.Notes = []Note{}
	}
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *InspectionRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *InspectionRecord) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}
