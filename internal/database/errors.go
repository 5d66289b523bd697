package database

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned when an operation runs before
	// Initialize or after Shutdown.
	ErrNotInitialized = errors.New("connection manager not initialized")

	// ErrPoolExhausted is returned when no connection became available
	// within the pool timeout. Callers may retry.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// ConnectionError wraps an engine failure with the operation that hit it.
// Callers may retry; the underlying cause is preserved for errors.Is/As.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsIntegrityViolation reports whether err is a uniqueness or constraint
// violation from either supported engine. modernc.org/sqlite surfaces
// SQLITE_CONSTRAINT text; pgx surfaces SQLSTATE class 23.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_CONSTRAINT") || strings.Contains(msg, "constraint failed") {
		return true
	}
	if strings.Contains(msg, "SQLSTATE 23") || strings.Contains(msg, "duplicate key value") {
		return true
	}
	return false
}
