package manager

import (
	"errors"
	"fmt"

	"github.com/italolelis/premium_downloader/internal/storage"
)

// ConfigurationError means the global Config record could not be read, so
// scheduling did nothing.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("scheduler configuration unavailable: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransitionError rejects a status change the lifecycle does not allow.
type TransitionError struct {
	DownloadID string
	From       storage.Status
	To         storage.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("download %s cannot move from %s to %s", e.DownloadID, e.From, e.To)
}

// PersistenceError is a failed write of a status change. The in-memory record
// was left untouched.
type PersistenceError struct {
	DownloadID string
	Status     storage.Status
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist download %s as %s: %v", e.DownloadID, e.Status, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DownloadFailure wraps the error a worker reported when failing a download.
type DownloadFailure struct {
	DownloadID string
	Err        error
}

func (e *DownloadFailure) Error() string {
	return fmt.Sprintf("download %s failed: %v", e.DownloadID, e.Err)
}

func (e *DownloadFailure) Unwrap() error {
	return e.Err
}

func errorPayload(err error) *ErrorPayload {
	payload := &ErrorPayload{Code: "internal", Message: err.Error()}

	var (
		transitionErr *TransitionError
		persistErr    *PersistenceError
		failure       *DownloadFailure
		validationErr *storage.ValidationError
	)

	switch {
	case errors.As(err, &transitionErr):
		payload.Code = "invalid_transition"
	case errors.As(err, &failure):
		payload.Code = "download_failed"
	case errors.As(err, &persistErr):
		payload.Code = "persistence"
	case errors.As(err, &validationErr):
		payload.Code = "validation"
	}

	if errors.As(err, &validationErr) {
		payload.Fields = validationErr.Fields
	}

	return payload
}
