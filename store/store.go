// Package store implements versioned embedded storage with named
// collections, a schema migration pipeline, and transactional CRUD over
// SQLite.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store is a handle to an open, migrated database. All read-write work is
// serialized through a single write mutex to avoid lost updates; readers
// run concurrently under WAL.
type Store struct {
	db          SQLDB
	writeMu     sync.Mutex
	collections map[string]struct{}
	version     int
	now         func() time.Time
	closed      atomic.Bool
	closeDB     func() error // set when the store owns the connection
}

// New opens a store over an existing connection, running every migration
// with a version above the on-disk version inside one exclusive upgrade
// transaction. If any step fails or does not validate, nothing is changed
// and the store is not opened.
// PRE: db is a valid connection; migrations have unique versions >= 1
// POST: schema is at the highest supplied version; collections are loaded
func New(ctx context.Context, db SQLDB, migrations []Migration) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	version, err := runMigrations(ctx, db, migrations, s.now)
	if err != nil {
		return nil, err
	}
	s.version = version
	if err := s.loadCollections(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open is the convenience form of OpenDB + New. The returned store owns
// the connection and closes it on Close.
func Open(ctx context.Context, path string, migrations []Migration) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, migrations)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.closeDB = db.Close
	return s, nil
}

// loadCollections caches the registry. Collections are only created by
// migrations, so the set is immutable for the life of the handle.
func (s *Store) loadCollections(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collection ORDER BY name`)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	s.collections = make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return classify(err)
		}
		s.collections[name] = struct{}{}
	}
	return rows.Err()
}

// Version returns the schema version the store was opened at.
func (s *Store) Version() int {
	return s.version
}

// Collections returns the sorted names of all registered collections.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCollection reports whether a collection was created by a migration.
func (s *Store) HasCollection(name string) bool {
	_, ok := s.collections[name]
	return ok
}

// Close marks the store unusable. If the store owns its connection the
// connection is closed too. Idempotent.
// PRE: none
// POST: all further operations return ErrNotInitialized
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.closeDB != nil {
		return s.closeDB()
	}
	return nil
}

// guard rejects operations on a closed store or an unknown collection.
func (s *Store) guard(collection string) error {
	if s.closed.Load() {
		return ErrNotInitialized
	}
	if _, ok := s.collections[collection]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return nil
}

// Add inserts a new record. A duplicate id aborts.
// PRE: rec has a non-empty ID and collection exists
// POST: record persisted, or ErrTransactionAborted on duplicate id
func (s *Store) Add(ctx context.Context, collection string, rec Record) error {
	if err := s.guard(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return insertRecord(ctx, s.db, collection, rec, s.now().UTC())
}

// Update inserts or replaces a record (upsert semantics).
// PRE: rec has a non-empty ID and collection exists
// POST: record persisted; an existing record with the same id is replaced
func (s *Store) Update(ctx context.Context, collection string, rec Record) error {
	if err := s.guard(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertRecord(ctx, s.db, collection, rec, s.now().UTC())
}

// Delete removes a record. Deleting an absent id is not an error.
// PRE: collection exists
// POST: no record with that id remains
func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	if err := s.guard(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return deleteRecord(ctx, s.db, collection, id)
}

// GetAll returns every record in a collection ordered by id.
// PRE: collection exists
// POST: returns all records; empty slice when the collection is empty
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := s.guard(collection); err != nil {
		return nil, err
	}
	return listRecords(ctx, s.db, collection)
}

// GetByID fetches one record.
// PRE: collection exists
// POST: returns the record, or ErrNotFound
func (s *Store) GetByID(ctx context.Context, collection string, id string) (Record, error) {
	if err := s.guard(collection); err != nil {
		return Record{}, err
	}
	return getRecord(ctx, s.db, collection, id)
}
