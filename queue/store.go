package queue

import "context"

// Store is the persistence port for queued operations. Implementations
// must make Save durable before returning: an operation accepted by the
// queue survives anything the underlying database survives.
type Store interface {
	// Save inserts or replaces an operation.
	// PRE: op validates
	// POST: the operation is durable under op.ID
	Save(ctx context.Context, op Operation) error

	// Delete removes an operation. Deleting an absent id is not an error.
	// PRE: none
	// POST: no operation with that id remains
	Delete(ctx context.Context, id string) error

	// GetByID fetches one operation.
	// PRE: none
	// POST: returns the operation, or ErrNotFound
	GetByID(ctx context.Context, id string) (Operation, error)

	// ListPending returns every queued operation ordered by priority
	// ascending, then CreatedAt ascending, then id.
	// PRE: none
	// POST: returns all operations; empty slice when the queue is empty
	ListPending(ctx context.Context) ([]Operation, error)

	// Count returns the number of queued operations.
	Count(ctx context.Context) (int, error)

	// DeleteAll removes every queued operation atomically.
	// PRE: none
	// POST: the queue is empty
	DeleteAll(ctx context.Context) error
}
