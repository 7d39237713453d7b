// Package queue implements a durable retry queue for changes made while
// offline. Operations persist through the store, drain in priority order
// when connectivity returns, and are delivered at least once.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders operations within a drain pass. Lower values drain first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// DefaultMaxRetries bounds delivery attempts for operations enqueued
// through the service facade.
const DefaultMaxRetries = 5

// Drain failure taxonomy. One drain aggregates per-operation failures with
// errors.Join; callers match with errors.Is.
var (
	// ErrHandlerMissing means an operation's type had no registered
	// handler. The operation is removed rather than retried forever.
	ErrHandlerMissing = errors.New("no handler registered for operation type")

	// ErrHandlerFailed means a delivery attempt failed with retry budget
	// remaining. The operation stays queued for the next drain.
	ErrHandlerFailed = errors.New("operation handler failed")

	// ErrMaxRetriesExceeded means an operation used its whole retry budget
	// and was removed.
	ErrMaxRetriesExceeded = errors.New("operation exceeded its retry budget")

	// ErrNotFound means no queued operation has the given id.
	ErrNotFound = errors.New("queued operation not found")
)

// Operation is one queued unit of outbound work: an opaque payload plus
// the bookkeeping needed to retry it across restarts.
type Operation struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    string    `json:"payload"`
	Priority   Priority  `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the operation is well-formed enough to persist.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return errors.New("operation id is required")
	}
	if o.Type == "" {
		return errors.New("operation type is required")
	}
	if !o.Priority.Valid() {
		return fmt.Errorf("unknown priority %d", int(o.Priority))
	}
	if o.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", o.MaxRetries)
	}
	return nil
}

// MarkFailed records one failed delivery attempt.
func (o *Operation) MarkFailed(attemptErr error, now time.Time) {
	o.RetryCount++
	if attemptErr != nil {
		o.LastError = attemptErr.Error()
	}
	o.UpdatedAt = now
}

// Exhausted reports whether the operation has used its whole retry budget.
func (o *Operation) Exhausted() bool {
	return o.RetryCount >= o.MaxRetries
}
