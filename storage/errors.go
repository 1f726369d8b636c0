package storage

import (
	"errors"
	"fmt"

	"board-api/domain"
)

// ErrNotFound is returned when a referenced task, comment, column or user
// does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err means the referenced entity is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ConflictError is returned when a compare-and-swap write loses the race:
// the stored version no longer matches the version the caller based its
// write on. Current carries the authoritative server-side state so the
// caller can reconcile and re-render.
type ConflictError struct {
	Current domain.Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s was modified by another user (current version %d)", e.Current.ID, e.Current.Version)
}

// AsConflict unwraps a ConflictError if err carries one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
