package engine

import (
	"strconv"
	"sync"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
)

// ChangeKind names the read model that changed.
type ChangeKind string

const (
	ChangeIdentity      ChangeKind = "identity"
	ChangeConversations ChangeKind = "conversations"
	ChangeTimeline      ChangeKind = "timeline"
	ChangePresence      ChangeKind = "presence"
	ChangeConnection    ChangeKind = "connection"
)

// Change is a hint that a read model should be re-read. It carries no
// state itself.
type Change struct {
	Kind           ChangeKind
	Scope          models.Scope
	ConversationID string
	// Connected is set on connection changes.
	Connected bool
}

// subscriberBuffer is the per-subscriber backlog before notifications drop.
const subscriberBuffer = 64

// subscribers fans changes out over a bus, one subscription per reader.
// mu is held across Publish so a cancel never closes a channel mid-send.
type subscribers struct {
	mu     sync.Mutex
	bus    *events.Bus
	next   int
	chans  map[string]chan Change
	closed bool
}

func (s *subscribers) init() {
	s.bus = events.NewBus()
	s.chans = make(map[string]chan Change)
}

func (s *subscribers) add(kinds ...ChangeKind) (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Change, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.next++
	id := "change-" + strconv.Itoa(s.next)

	filter := events.Filter{}
	for _, kind := range kinds {
		filter.Names = append(filter.Names, string(kind))
	}
	// Only fails on a duplicate or empty id, neither of which add produces.
	_ = s.bus.Subscribe(id, filter, func(event events.Event) {
		change, ok := event.Value.(Change)
		if !ok {
			return
		}
		select {
		case ch <- change:
		default:
		}
	})
	s.chans[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.chans[id]; ok {
				_ = s.bus.Unsubscribe(id)
				delete(s.chans, id)
				close(sub)
			}
		})
	}
}

// notify never blocks: a subscriber with a full backlog misses the change.
func (s *subscribers) notify(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.bus.Publish(events.Event{Name: string(change.Kind), Value: change})
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.SubscriberCount()
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.bus.Close()
	for id, ch := range s.chans {
		delete(s.chans, id)
		close(ch)
	}
}

// Subscribe returns a channel of change notifications and a cancel func.
// With kinds given, only those changes are delivered. Slow subscribers
// drop notifications rather than block the engine.
func (e *Engine) Subscribe(kinds ...ChangeKind) (<-chan Change, func()) {
	return e.subs.add(kinds...)
}
