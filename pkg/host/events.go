package host

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/guard"
)

// Event is delivered to listeners of its type.
type Event struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenant_id"`
	Source   string         `json:"source"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Handler handles one event. Its context carries the listener's execution
// for the event's tenant.
type Handler func(ctx context.Context, ev Event) error

type listener struct {
	id      uint64
	owner   string
	handler Handler
}

// EventBus fans tenant events out to listening plugins. An event reaches a
// listener only while the listener's plugin is running for the event's
// tenant.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
	active    func(pluginID, tenantID string) bool
	inflight  sync.WaitGroup
	logger    zerolog.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(active func(pluginID, tenantID string) bool, logger zerolog.Logger) *EventBus {
	if active == nil {
		active = func(string, string) bool { return true }
	}
	return &EventBus{
		listeners: make(map[string][]listener),
		active:    active,
		logger:    logger.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *EventBus) Subscribe(owner, eventType string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[eventType] = append(b.listeners[eventType], listener{id: id, owner: owner, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.listeners[eventType]
		for i, l := range list {
			if l.id == id {
				b.listeners[eventType] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev asynchronously and returns the number of listeners it
// was dispatched to.
func (b *EventBus) Publish(ev Event) int {
	b.mu.RLock()
	targets := make([]listener, 0, len(b.listeners[ev.Type]))
	for _, l := range b.listeners[ev.Type] {
		if b.active(l.owner, ev.TenantID) {
			targets = append(targets, l)
		}
	}
	b.mu.RUnlock()

	for _, l := range targets {
		b.inflight.Add(1)
		go func(l listener) {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Str("listener", l.owner).Str("event", ev.Type).Interface("panic", r).Msg("Event listener panicked")
				}
			}()
			ctx := guard.WithExecution(context.Background(), l.owner, ev.TenantID)
			if err := l.handler(ctx, ev); err != nil {
				b.logger.Warn().Err(err).Str("listener", l.owner).Str("event", ev.Type).Msg("Event listener failed")
			}
		}(l)
	}
	return len(targets)
}

// RemoveOwner drops every listener of a plugin.
func (b *EventBus) RemoveOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for eventType, list := range b.listeners {
		kept := list[:0]
		for _, l := range list {
			if l.owner == owner {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		b.listeners[eventType] = kept
	}
	return removed
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (b *EventBus) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
