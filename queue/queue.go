package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"syncbox/notify"
	"syncbox/perf"
	"syncbox/store"
)

// drainTimeout bounds a drain triggered in the background by Enqueue.
const drainTimeout = 5 * time.Minute

// Handler delivers one operation to its remote destination. The returned
// string is an opaque external reference recorded in logs. Delivery is at
// least once, so handlers must be idempotent.
type Handler interface {
	Execute(ctx context.Context, payload string) (string, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload string) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, payload string) (string, error) {
	return f(ctx, payload)
}

// Notifier publishes user-facing events. notify.Hub satisfies it.
type Notifier interface {
	Publish(e notify.Event)
}

// Deps carries the queue's collaborators. Store and Online are required;
// New fills in the rest.
type Deps struct {
	Store  Store
	Online func() bool
	Notify Notifier        // optional
	Perf   *perf.Collector // optional

	GenerateID func() string
	Now        func() time.Time
}

// Queue is a durable priority retry queue. Enqueue persists before it
// returns; Drain delivers pending operations through registered handlers.
type Queue struct {
	deps Deps

	mu       sync.RWMutex
	handlers map[string]Handler

	draining atomic.Bool
	dirty    atomic.Bool
}

// DrainStats summarizes one drain invocation.
type DrainStats struct {
	Processed int // operations attempted
	Succeeded int // delivered and removed
	Failed    int // failed with retry budget left, still queued
	Exhausted int // failed terminally and removed
	Dropped   int // removed because no handler was registered
}

// New builds a queue.
// PRE: deps.Store and deps.Online are non-nil
// POST: returns a queue using uuid ids and wall-clock time unless overridden
func New(deps Deps) *Queue {
	if deps.GenerateID == nil {
		deps.GenerateID = func() string { return uuid.New().String() }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Queue{deps: deps, handlers: make(map[string]Handler)}
}

// RegisterHandler installs the handler for an operation type. Exactly one
// handler per type; registering again replaces the previous one.
func (q *Queue) RegisterHandler(opType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[opType] = h
}

func (q *Queue) handler(opType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[opType]
	return h, ok
}

// Enqueue persists an operation and returns its id. The write is durable
// before Enqueue returns. When the monitor reports online, a drain is
// triggered asynchronously so the caller never waits on the network.
// PRE: opType is non-empty, pri is a known priority, maxRetries > 0
// POST: the operation is durable, or no trace of it remains
func (q *Queue) Enqueue(ctx context.Context, opType, payload string, pri Priority, maxRetries int) (string, error) {
	now := q.deps.Now()
	op := Operation{
		ID:         q.deps.GenerateID(),
		Type:       opType,
		Payload:    payload,
		Priority:   pri,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := op.Validate(); err != nil {
		return "", err
	}

	if err := q.deps.Store.Save(ctx, op); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			q.publish(notify.Event{
				Kind:     notify.KindQuotaExceeded,
				Severity: notify.SeverityError,
				Message:  "Storage is full. Free up space on this device to keep saving changes offline.",
			})
		}
		return "", fmt.Errorf("failed to enqueue %s operation: %w", opType, err)
	}
	slog.Info("retry_operation_enqueued", "id", op.ID, "type", opType, "priority", pri.String())

	// A drain already running picks this operation up via the dirty flag;
	// otherwise the async drain below handles it.
	q.dirty.Store(true)
	if q.deps.Online() {
		go q.drainAsync()
	}
	return op.ID, nil
}

// drainAsync runs a drain for an Enqueue trigger. Per-operation failures
// are already logged; no caller is waiting on the aggregate.
func (q *Queue) drainAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if _, err := q.Drain(ctx); err != nil {
		slog.Debug("retry_drain_errors", "error", err)
	}
}

// Drain delivers pending operations in priority order. It is a no-op when
// offline, when a drain is already running, or when nothing is pending.
// Operations enqueued while the drain runs are picked up by a follow-up
// pass over work not yet attempted in this invocation, so a failed
// operation is never retried twice within one drain.
// PRE: handlers are registered for the pending operation types
// POST: every pending operation was attempted at most once, succeeded ones
// are removed, failed ones carry an incremented retry count
func (q *Queue) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	if !q.deps.Online() {
		slog.Debug("retry_drain_skipped", "reason", "offline")
		return stats, nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		slog.Debug("retry_drain_skipped", "reason", "drain in progress")
		return stats, nil
	}
	defer q.draining.Store(false)

	attempted := make(map[string]struct{})
	var errs []error
	for {
		q.dirty.Store(false)
		ops, err := q.deps.Store.ListPending(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list pending operations: %w", err))
			break
		}

		fresh := make([]Operation, 0, len(ops))
		for _, op := range ops {
			if _, seen := attempted[op.ID]; !seen {
				fresh = append(fresh, op)
			}
		}
		if len(fresh) == 0 {
			if stats.Processed == 0 {
				slog.Debug("retry_drain_skipped", "reason", "queue empty")
			}
			break
		}

		for _, op := range fresh {
			if !q.deps.Online() {
				// Connectivity dropped mid-pass. Untouched operations keep
				// their retry budgets for the next trigger.
				slog.Info("retry_drain_interrupted", "processed", stats.Processed, "remaining_untouched", true)
				return stats, errors.Join(errs...)
			}
			attempted[op.ID] = struct{}{}
			stats.Processed++
			q.processOne(ctx, op, &stats, &errs)
		}

		if !q.dirty.Load() {
			break
		}
	}

	if stats.Processed > 0 {
		slog.Info("retry_drain_complete",
			"processed", stats.Processed,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"exhausted", stats.Exhausted,
			"dropped", stats.Dropped,
		)
	}
	return stats, errors.Join(errs...)
}

// processOne attempts delivery of a single operation and settles its fate
// in the store.
func (q *Queue) processOne(ctx context.Context, op Operation, stats *DrainStats, errs *[]error) {
	h, ok := q.handler(op.Type)
	if !ok {
		// Without a handler the operation would sit in the queue forever.
		// Remove it and surface the problem in the drain error.
		slog.Warn("retry_operation_unprocessable", "id", op.ID, "type", op.Type)
		if err := q.deps.Store.Delete(ctx, op.ID); err != nil {
			*errs = append(*errs, fmt.Errorf("failed to remove unprocessable operation %s: %w", op.ID, err))
			return
		}
		stats.Dropped++
		*errs = append(*errs, fmt.Errorf("%w: %s (operation %s removed)", ErrHandlerMissing, op.Type, op.ID))
		return
	}

	start := time.Now()
	ref, execErr := h.Execute(ctx, op.Payload)
	q.recordTiming(op.Type, start)

	if execErr == nil {
		// Delete after delivery. If the delete fails the operation stays
		// queued and is delivered again later: at-least-once.
		if err := q.deps.Store.Delete(ctx, op.ID); err != nil {
			slog.Error("retry_operation_cleanup_failed", "id", op.ID, "type", op.Type, "error", err)
			*errs = append(*errs, fmt.Errorf("failed to remove delivered operation %s: %w", op.ID, err))
			return
		}
		stats.Succeeded++
		slog.Info("retry_operation_delivered", "id", op.ID, "type", op.Type, "attempt", op.RetryCount+1, "ref", ref)
		return
	}

	op.MarkFailed(execErr, q.deps.Now())
	if op.Exhausted() {
		if err := q.deps.Store.Delete(ctx, op.ID); err != nil {
			// Still queued; the terminal notification waits until the
			// removal actually happens, so it fires exactly once.
			*errs = append(*errs, fmt.Errorf("failed to remove exhausted operation %s: %w", op.ID, err))
			return
		}
		stats.Exhausted++
		slog.Warn("retry_operation_exhausted", "id", op.ID, "type", op.Type, "attempts", op.RetryCount, "error", execErr)
		q.publish(notify.Event{
			Kind:     notify.KindOperationFailed,
			Severity: notify.SeverityError,
			Message:  fmt.Sprintf("A queued %s change could not be synced after %d attempts and was discarded.", op.Type, op.RetryCount),
		})
		*errs = append(*errs, fmt.Errorf("%w: %s operation %s after %d attempts: %v", ErrMaxRetriesExceeded, op.Type, op.ID, op.RetryCount, execErr))
		return
	}

	if err := q.deps.Store.Save(ctx, op); err != nil {
		*errs = append(*errs, fmt.Errorf("failed to persist retry count for operation %s: %w", op.ID, err))
		return
	}
	stats.Failed++
	slog.Info("retry_operation_failed", "id", op.ID, "type", op.Type, "attempt", op.RetryCount, "max_retries", op.MaxRetries, "error", execErr)
	*errs = append(*errs, fmt.Errorf("%w: %s operation %s (attempt %d of %d): %v", ErrHandlerFailed, op.Type, op.ID, op.RetryCount, op.MaxRetries, execErr))
}

// Clear removes every pending operation. For explicit user resets only;
// nothing in the sync flow calls it.
// PRE: none
// POST: the queue is empty
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.deps.Store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to clear retry queue: %w", err)
	}
	slog.Info("retry_queue_cleared")
	return nil
}

// Pending returns the number of queued operations.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.deps.Store.Count(ctx)
}

// PendingOperations returns the queued operations in drain order.
func (q *Queue) PendingOperations(ctx context.Context) ([]Operation, error) {
	return q.deps.Store.ListPending(ctx)
}

func (q *Queue) publish(e notify.Event) {
	if q.deps.Notify == nil {
		return
	}
	q.deps.Notify.Publish(e)
}

func (q *Queue) recordTiming(opType string, start time.Time) {
	if q.deps.Perf == nil {
		return
	}
	q.deps.Perf.Record(perf.Entry{
		Kind:       perf.KindHandler,
		Op:         opType,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Timestamp:  start,
	})
}
