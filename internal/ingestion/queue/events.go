package queue

import (
	"sync"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// EventType enumerates the Job lifecycle events the Scheduler emits
// (spec §4.2 "Events emitted").
type EventType string

const (
	EventJobCreated   EventType = "job:created"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobRetry     EventType = "job:retry"
	EventJobFailed    EventType = "job:failed"
	EventJobCancelled EventType = "job:cancelled"
)

// Event is a single lifecycle notification.
type Event struct {
	Type EventType
	Job  model.Job
}

// Handler observes Scheduler lifecycle events. Handlers run synchronously
// in the emitting task's goroutine and must not block (spec §9's
// "Event emission" recasts in-process emission as a callback list with a
// non-blocking-handler contract enforced by this doc comment, not by the
// runtime).
type Handler func(Event)

// EventBus is a small synchronous callback-list broadcaster, following
// the teacher's own event-hook style rather than introducing a channel
// or full pub/sub abstraction for what is, in practice, in-process
// fan-out to a handful of observers.
type EventBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus { return &EventBus{} }

// Subscribe registers a Handler. Not safe to call from within a Handler.
func (b *EventBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit broadcasts ev to all subscribed handlers, synchronously and in
// registration order.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
