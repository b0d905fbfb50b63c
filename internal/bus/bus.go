// Package bus distributes domain events between the interceptor pieces: the
// projector announces state changes, the config layer announces edits, the
// runner announces status, and the UI hub fans everything out to clients.
// A local in-process bus covers the normal single-process deployment; a
// Redis-backed bus covers split deployments.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType classifies event categories.
type EventType string

const (
	EventGameStateUpdated EventType = "gamestate.updated"
	EventConfigUpdated    EventType = "config.updated"
	EventAutorunStatus    EventType = "autorun.status"
	EventFlowOpened       EventType = "flow.opened"
	EventFlowClosed       EventType = "flow.closed"
	EventToast            EventType = "ui.toast"
)

// Event is one domain event.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// EventBus provides publish/subscribe for domain events.
type EventBus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type and returns
	// an unsubscribe function.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// Close shuts down the bus.
	Close() error
}

// LocalEventBus is the in-memory implementation for single-process runs.
type LocalEventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	closed      bool
	nextID      int
}

type subscriberEntry struct {
	id      int
	handler Handler
}

func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{subscribers: make(map[EventType][]subscriberEntry)}
}

// Publish fans the event out to matching subscribers asynchronously.
func (b *LocalEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, entry := range b.subscribers[event.Type] {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("event handler error", "type", event.Type, "err", err)
			}
		}()
	}
	return nil
}

func (b *LocalEventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
