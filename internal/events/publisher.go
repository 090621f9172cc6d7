// Package events dispatches named channel events to registered handlers.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event is one frame received from (or synthesized by) a channel, or an
// in-process notification carrying Value instead of Data.
type Event struct {
	Name       string
	Data       json.RawMessage
	Value      any
	ReceivedAt time.Time
}

// Handler is invoked for every event that matches its subscription.
type Handler func(event Event)

// Filter selects events by name. An empty filter matches everything.
type Filter struct {
	Names []string
}

// Matches returns true if the event matches the filter criteria.
func (f Filter) Matches(event Event) bool {
	if len(f.Names) == 0 {
		return true
	}
	for _, name := range f.Names {
		if event.Name == name {
			return true
		}
	}
	return false
}

type subscription struct {
	id      string
	seq     uint64
	filter  Filter
	handler Handler
}

// Bus is an in-process registry of channel event handlers.
// Handlers run synchronously in subscription order.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	nextSeq       uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscriptions: make(map[string]*subscription)}
}

// Publish delivers the event to every matching handler and returns how many
// handlers ran.
func (b *Bus) Publish(event Event) int {
	if event.Name == "" {
		return 0
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.filter.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	// Handlers run outside the lock so they may subscribe or unsubscribe.
	for _, sub := range matched {
		sub.handler(event)
	}
	return len(matched)
}

// Subscribe registers handler under id.
func (b *Bus) Subscribe(id string, filter Filter, handler Handler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}
	b.nextSeq++
	b.subscriptions[id] = &subscription{
		id:      id,
		seq:     b.nextSeq,
		filter:  filter,
		handler: handler,
	}
	return nil
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}
	delete(b.subscriptions, id)
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Close removes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string]*subscription)
}

// Errors for bus operations.
var (
	ErrInvalidSubscriptionID = &BusError{Message: "subscription ID is required"}
	ErrNilHandler            = &BusError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &BusError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &BusError{Message: "subscription not found"}
)

// BusError represents an error from bus operations.
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
