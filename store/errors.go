package store

import (
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Failure taxonomy for the persistent store. Callers match with errors.Is.
var (
	// ErrQuotaExceeded means the underlying storage is out of space.
	// Recoverable: the caller should prompt the user for cleanup and retry.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrVersionMismatch means the on-disk schema version is ahead of the
	// supplied migrations. Not recoverable at runtime; requires a code fix.
	ErrVersionMismatch = errors.New("schema version conflict")

	// ErrTransactionAborted means a transaction or statement could not
	// complete (lock contention, constraint violation, failed commit).
	// Recoverable: the caller may retry the whole transaction.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrMigrationFailed means a schema upgrade step failed or did not
	// validate. The upgrade is rolled back and the store is not opened.
	ErrMigrationFailed = errors.New("schema migration failed")

	// ErrNotInitialized means the store has been closed or was never opened.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrUnknownCollection means the named collection was never created by
	// a migration step.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrNotFound means no record with the given id exists.
	ErrNotFound = errors.New("record not found")
)

// classify maps a driver error onto the store taxonomy, preserving the
// original message. Typed driver errors are matched on their result code;
// errors flattened by the database/sql layer still carry the code in the
// message text, so a string match covers those.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Extended result codes keep the primary code in the low byte.
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
		}
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "disk is full") || strings.Contains(msg, "(13)"): // SQLITE_FULL
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)"): // SQLITE_LOCKED
		return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	case strings.Contains(msg, "constraint failed") || strings.Contains(msg, "(19)"): // SQLITE_CONSTRAINT
		return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}
	return err
}
