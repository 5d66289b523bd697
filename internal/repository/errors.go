package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict marks a uniqueness or integrity violation. Wrapped in
	// *Error with the underlying engine error preserved.
	ErrConflict = errors.New("conflict")

	// ErrInvalidFilter marks a filter naming an unknown column or operator.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Error wraps a failed repository operation with its entity and cause.
// Reads never produce one for a missing row; absence is a nil return.
type Error struct {
	Op     string
	Entity string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("repository %s %s: %v", e.Entity, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConflict reports whether err carries an integrity conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
