package notify

import (
	"sync"
	"time"
)

// Severity levels for user-facing events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Kind constants for the events the sync core emits.
const (
	KindSyncStarted     = "sync_started"
	KindSyncSucceeded   = "sync_succeeded"
	KindSyncFailed      = "sync_failed"
	KindSyncOffline     = "sync_offline"
	KindOperationFailed = "operation_failed"
	KindQuotaExceeded   = "quota_exceeded"
)

// Event is a structured user-facing notification. Rendering is the
// application's concern; the core only guarantees the shape.
type Event struct {
	Kind     string
	Message  string
	Severity string
	Time     time.Time
}

// subscriberBuffer is the per-subscriber channel capacity. When a slow
// subscriber falls behind, the oldest buffered event is dropped so the
// newest one always lands.
const subscriberBuffer = 16

// Hub broadcasts events to all current subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber.
// PRE: hub is not closed
// POST: Returns a receive channel and a cancel function; cancel is idempotent
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
// PRE: e has Kind, Message, Severity set
// POST: Event buffered for each subscriber; oldest event dropped when full
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		sendLatest(ch, e)
	}
}

// sendLatest enqueues e, evicting the oldest buffered event if needed.
func sendLatest(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close closes all subscriber channels and rejects further publishes.
// PRE: none
// POST: All subscriber channels closed; Subscribe returns closed channels
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
