// Package remote talks to the CRM entity endpoint and the blob store.
// It translates between the local record shape and the remote schema and
// manages a short-lived bearer token. The package never retries: retry
// policy belongs to the sync orchestrator.
package remote

import (
	"fmt"
	"net/http"

	apperrors "github.com/urbanforestry/treesync/internal/errors"
)

// RemoteError carries enough context to log the entity and HTTP status of
// a failed remote call.
type RemoteError struct {
	Entity     string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: remote returned %d: %s", e.Op, e.Entity, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying transport error, if any.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Code classifies the failure: network errors and 5xx responses are
// transient, auth rejections are auth failures, other 4xx are permanent.
func (e *RemoteError) Code() apperrors.ErrorCode {
	switch {
	case e.StatusCode == 0:
		return apperrors.ErrTransientRemote
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperrors.ErrAuthFailed
	case e.StatusCode >= 500:
		return apperrors.ErrTransientRemote
	case e.StatusCode >= 400:
		return apperrors.ErrPermanentRemote
	default:
		return apperrors.ErrTransientRemote
	}
}

// AsAppError wraps the RemoteError into the shared taxonomy.
func (e *RemoteError) AsAppError() *apperrors.AppError {
	return apperrors.Wrap(e.Code(), fmt.Sprintf("remote %s failed", e.Op), e)
}
