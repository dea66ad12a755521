package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation targets a send id that does
// not exist. No state is mutated.
var ErrNotFound = errors.New("send not found")

// ValidationError reports invalid operator input. Nothing is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports that a conditional transition did not apply because
// the send's status changed concurrently. It is a soft failure: cancel
// treats it as a benign no-op, reschedule surfaces it as a rejection.
type ConflictError struct {
	ID     string
	Status Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("send %s is %s and does not permit this action", e.ID, e.Status)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
