// Package dberr defines the error kinds surfaced by the persistence engine.
package dberr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a referenced row or file is absent.
// It is a normal outcome for lookups, not a system fault.
var ErrNotFound = errors.New("not found")

// ErrInvalidData is returned when a stored value is malformed or a write
// would violate a data invariant (e.g. a notes node parented across sections).
var ErrInvalidData = errors.New("invalid data")

// ConnectionError reports a failure to open, share, or use the database
// connection. It is fatal to the calling operation and never retried
// automatically.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SQLError reports a statement prepare/exec failure together with the
// offending SQL so the context survives up the call stack.
type SQLError struct {
	Query string
	Err   error
}

func (e *SQLError) Error() string {
	return fmt.Sprintf("sql %q: %v", summarize(e.Query), e.Err)
}

func (e *SQLError) Unwrap() error { return e.Err }

// WrapSQL annotates err with its SQL context. Returns nil for a nil err.
func WrapSQL(query string, err error) error {
	if err == nil {
		return nil
	}
	return &SQLError{Query: query, Err: err}
}

// summarize collapses whitespace and truncates long statements for messages.
func summarize(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 120 {
		q = q[:117] + "..."
	}
	return q
}

// IsSQLiteError checks if err is a sqlite3.Error with a message containing
// substr. This is more robust than strings.Contains on err.Error() because it
// first type-asserts to the driver error type using errors.As. Handles both
// value and pointer forms.
func IsSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// IsColumnExists reports whether err is the SQLite failure for adding a
// column that is already present. Migrations treat this as non-fatal so they
// stay re-runnable after a partial prior run.
func IsColumnExists(err error) bool {
	return IsSQLiteError(err, "duplicate column name")
}

// IsMissingTable reports whether err is the SQLite "no such table" failure.
func IsMissingTable(err error) bool {
	return IsSQLiteError(err, "no such table")
}
