// Package notify dispatches outward notifications for admin activity and
// sync state changes. Dispatch is fire-and-forget: a failed send is logged
// but never unwinds the operation that produced it.
package notify

import (
	"github.com/urbanforestry/treesync/internal/logging"
)

// Kind classifies a notification.
type Kind string

const (
	KindComment        Kind = "comment"
	KindPriorityChange Kind = "priority_change"
	KindStatusChange   Kind = "status_change"
	KindSyncAbandoned  Kind = "sync_abandoned"
)

// Notification is one outward message addressed to a record's inspector.
type Notification struct {
	Kind           Kind   `json:"kind"`
	RecordID       string `json:"record_id"`
	RecipientEmail string `json:"recipient_email"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
}

// Notifier dispatches notifications. Exact transport is a deployment
// concern; implementations must be safe for concurrent use.
type Notifier interface {
	Send(n Notification) error
}

// Dispatch sends through n and logs a failure without propagating it.
func Dispatch(n Notifier, msg Notification) {
	if n == nil {
		return
	}
	if err := n.Send(msg); err != nil {
		logging.Error("Notification dispatch failed", err,
			map[string]interface{}{
				"kind":      string(msg.Kind),
				"record_id": msg.RecordID,
				"recipient": msg.RecipientEmail,
			})
	}
}

// LogNotifier writes notifications to the structured log. Used as the
// default transport and in tests.
type LogNotifier struct{}

// Send implements Notifier.
func (LogNotifier) Send(n Notification) error {
	logging.Info("Notification",
		map[string]interface{}{
			"kind":      string(n.Kind),
			"record_id": n.RecordID,
			"recipient": n.RecipientEmail,
			"subject":   n.Subject,
		})
	return nil
}
