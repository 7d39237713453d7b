package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenDB opens (creating if absent) a SQLite database at path with the
// pragmas the store relies on.
// PRE: path is a filesystem path or ":memory:"
// POST: Returns a pooled connection with WAL mode and busy timeout set
func OpenDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// An in-memory database exists per connection; a second pooled
		// connection would see an empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
	}
	return db, nil
}
