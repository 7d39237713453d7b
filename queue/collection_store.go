package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"syncbox/store"
)

// DefaultCollection is the store collection operations are persisted in.
const DefaultCollection = "retryQueue"

// CollectionStore persists operations as JSON records in a collection of a
// store.Store. Offline queues are small, so pending operations are decoded
// and sorted in memory rather than in SQL.
type CollectionStore struct {
	store      *store.Store
	collection string
}

var _ Store = (*CollectionStore)(nil)

// NewCollectionStore builds the production Store adapter. An empty
// collection name selects DefaultCollection.
// PRE: s is open and the collection was created by a migration
// POST: returns an adapter writing into that collection
func NewCollectionStore(s *store.Store, collection string) *CollectionStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &CollectionStore{store: s, collection: collection}
}

func (c *CollectionStore) Save(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}
	return c.store.Update(ctx, c.collection, store.Record{ID: op.ID, Data: data})
}

func (c *CollectionStore) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, c.collection, id)
}

func (c *CollectionStore) GetByID(ctx context.Context, id string) (Operation, error) {
	rec, err := c.store.GetByID(ctx, c.collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Operation{}, err
	}
	return decodeOperation(rec)
}

func (c *CollectionStore) ListPending(ctx context.Context) ([]Operation, error) {
	recs, err := c.store.GetAll(ctx, c.collection)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(recs))
	for _, rec := range recs {
		op, err := decodeOperation(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	sortPending(ops)
	return ops, nil
}

func (c *CollectionStore) Count(ctx context.Context) (int, error) {
	recs, err := c.store.GetAll(ctx, c.collection)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// DeleteAll removes every operation in one read-write transaction, so a
// concurrent enqueue can never be half-cleared.
func (c *CollectionStore) DeleteAll(ctx context.Context) error {
	tx, err := c.store.Transaction(ctx, []string{c.collection}, store.ModeReadWrite)
	if err != nil {
		return err
	}
	recs, err := tx.GetAll(ctx, c.collection)
	if err != nil {
		tx.Abort()
		return err
	}
	for _, rec := range recs {
		if err := tx.Delete(ctx, c.collection, rec.ID); err != nil {
			tx.Abort()
			return err
		}
	}
	return tx.Complete()
}

func decodeOperation(rec store.Record) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(rec.Data, &op); err != nil {
		return Operation{}, fmt.Errorf("failed to decode operation %s: %w", rec.ID, err)
	}
	return op, nil
}

// sortPending orders operations by priority, then CreatedAt, then id so
// equal-priority work drains first-in first-out.
func sortPending(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
}
