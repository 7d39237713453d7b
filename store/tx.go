package store

import (
	"context"
	"fmt"
	"time"
)

// Mode selects what a transaction may do with its collections.
type Mode string

const (
	ModeReadOnly  Mode = "readonly"
	ModeReadWrite Mode = "readwrite"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeReadOnly || m == ModeReadWrite
}

// Tx is a transaction scoped to a declared set of collections. Operations
// outside the scope, or writes in a readonly transaction, poison the
// transaction: every later call fails and Complete rolls back.
type Tx struct {
	tx       sqlTx
	scope    map[string]struct{}
	mode     Mode
	now      func() time.Time
	done     bool
	poisoned error
	unlock   func()
}

// sqlTx is the subset of *sql.Tx the transaction handle needs.
type sqlTx interface {
	dbtx
	Commit() error
	Rollback() error
}

// Transaction begins a transaction over the named collections. Read-write
// transactions take the store's write lock, so at most one is active at a
// time; read-only transactions run concurrently.
// PRE: collections is non-empty, every name exists, mode is valid
// POST: returns an open Tx that must be finished with Complete or Abort
func (s *Store) Transaction(ctx context.Context, collections []string, mode Mode) (*Tx, error) {
	if s.closed.Load() {
		return nil, ErrNotInitialized
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrTransactionAborted, mode)
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("%w: transaction scope is empty", ErrTransactionAborted)
	}
	scope := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		if _, ok := s.collections[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
		}
		scope[name] = struct{}{}
	}

	var unlock func()
	if mode == ModeReadWrite {
		s.writeMu.Lock()
		unlock = s.writeMu.Unlock
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return nil, classify(err)
	}
	return &Tx{tx: tx, scope: scope, mode: mode, now: s.now, unlock: unlock}, nil
}

// guard validates one operation against the transaction's state, scope and
// mode. A violation poisons the transaction.
func (t *Tx) guard(collection string, write bool) error {
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionAborted)
	}
	if t.poisoned != nil {
		return t.poisoned
	}
	if _, ok := t.scope[collection]; !ok {
		t.poisoned = fmt.Errorf("%w: collection %s is outside the transaction scope", ErrTransactionAborted, collection)
		return t.poisoned
	}
	if write && t.mode == ModeReadOnly {
		t.poisoned = fmt.Errorf("%w: write in a readonly transaction", ErrTransactionAborted)
		return t.poisoned
	}
	return nil
}

// Add inserts a new record within the transaction.
func (t *Tx) Add(ctx context.Context, collection string, rec Record) error {
	if err := t.guard(collection, true); err != nil {
		return err
	}
	if err := insertRecord(ctx, t.tx, collection, rec, t.now().UTC()); err != nil {
		t.poisoned = err
		return err
	}
	return nil
}

// Update inserts or replaces a record within the transaction.
func (t *Tx) Update(ctx context.Context, collection string, rec Record) error {
	if err := t.guard(collection, true); err != nil {
		return err
	}
	if err := upsertRecord(ctx, t.tx, collection, rec, t.now().UTC()); err != nil {
		t.poisoned = err
		return err
	}
	return nil
}

// Delete removes a record within the transaction.
func (t *Tx) Delete(ctx context.Context, collection string, id string) error {
	if err := t.guard(collection, true); err != nil {
		return err
	}
	if err := deleteRecord(ctx, t.tx, collection, id); err != nil {
		t.poisoned = err
		return err
	}
	return nil
}

// GetAll returns every record in a scoped collection.
func (t *Tx) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := t.guard(collection, false); err != nil {
		return nil, err
	}
	recs, err := listRecords(ctx, t.tx, collection)
	if err != nil {
		t.poisoned = err
		return nil, err
	}
	return recs, nil
}

// GetByID fetches one record from a scoped collection. A missing record
// returns ErrNotFound without poisoning the transaction.
func (t *Tx) GetByID(ctx context.Context, collection string, id string) (Record, error) {
	if err := t.guard(collection, false); err != nil {
		return Record{}, err
	}
	return getRecord(ctx, t.tx, collection, id)
}

// Complete commits the transaction. Once Complete returns nil the writes
// are durable. A poisoned transaction rolls back instead and reports why.
// PRE: transaction is open
// POST: committed and durable, or rolled back with an error
func (t *Tx) Complete() error {
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionAborted)
	}
	if t.poisoned != nil {
		t.release(true)
		return t.poisoned
	}
	err := t.tx.Commit()
	t.release(false)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Abort rolls the transaction back, discarding every buffered change.
// Safe to call after Complete or a second time.
func (t *Tx) Abort() error {
	if t.done {
		return nil
	}
	t.release(true)
	return nil
}

// release finishes the transaction exactly once and frees the write lock.
func (t *Tx) release(rollback bool) {
	t.done = true
	if rollback {
		t.tx.Rollback()
	}
	if t.unlock != nil {
		t.unlock()
		t.unlock = nil
	}
}
