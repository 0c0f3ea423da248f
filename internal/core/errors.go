package core

import (
	"errors"
	"fmt"

	"github.com/h3org/h3sync/internal/models"
)

// Sentinel errors matched with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict persisted after rebase")
	ErrStorage        = errors.New("storage failure")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrNoContract     = errors.New("no current employment contract")
)

// ValidationError rejects a record before it reaches the queue.
type ValidationError struct {
	Kind   models.Kind
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s %s: %s", e.Kind, e.Code, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(rec *models.Record, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: rec.Kind, Code: rec.Code, Reason: fmt.Sprintf(format, args...)}
}

// StorageError is a local or remote persistence failure unrelated to a key
// collision. The affected entry stays queued or unapplied.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
