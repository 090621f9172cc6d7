package events

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestFilter_Matches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{
			name:   "empty filter matches any event",
			filter: Filter{},
			event:  Event{Name: "message:received"},
			want:   true,
		},
		{
			name:   "name filter matches",
			filter: Filter{Names: []string{"message:received"}},
			event:  Event{Name: "message:received"},
			want:   true,
		},
		{
			name:   "name filter rejects non-matching",
			filter: Filter{Names: []string{"message:received"}},
			event:  Event{Name: "messages_seen"},
			want:   false,
		},
		{
			name:   "multiple names - matches any",
			filter: Filter{Names: []string{"connect", "messages_seen"}},
			event:  Event{Name: "messages_seen"},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.event); got != tt.want {
				t.Errorf("Filter.Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	handler := func(Event) {}

	if err := bus.Subscribe("sub-1", Filter{}, handler); err != nil {
		t.Errorf("Subscribe() error = %v, want nil", err)
	}
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
	if err := bus.Subscribe("sub-1", Filter{}, handler); err != ErrSubscriptionExists {
		t.Errorf("Subscribe() duplicate error = %v, want %v", err, ErrSubscriptionExists)
	}
	if err := bus.Subscribe("", Filter{}, handler); err != ErrInvalidSubscriptionID {
		t.Errorf("Subscribe() empty ID error = %v, want %v", err, ErrInvalidSubscriptionID)
	}
	if err := bus.Subscribe("sub-2", Filter{}, nil); err != ErrNilHandler {
		t.Errorf("Subscribe() nil handler error = %v, want %v", err, ErrNilHandler)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	_ = bus.Subscribe("sub-1", Filter{}, func(Event) {})

	if err := bus.Unsubscribe("sub-1"); err != nil {
		t.Errorf("Unsubscribe() error = %v, want nil", err)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}
	if err := bus.Unsubscribe("sub-1"); err != ErrSubscriptionNotFound {
		t.Errorf("Unsubscribe() non-existent error = %v, want %v", err, ErrSubscriptionNotFound)
	}
}

func TestBus_PublishRunsHandlersInSubscriptionOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	for _, id := range []string{"c", "a", "b"} {
		if err := bus.Subscribe(id, Filter{Names: []string{"connect"}}, record(id)); err != nil {
			t.Fatalf("Subscribe(%s): %v", id, err)
		}
	}
	_ = bus.Subscribe("other", Filter{Names: []string{"messages_seen"}}, record("other"))

	if n := bus.Publish(Event{Name: "connect"}); n != 3 {
		t.Fatalf("Publish() handled by %d, want 3", n)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handler order = %v, want %v", order, want)
		}
	}
}

func TestBus_PublishCarriesPayload(t *testing.T) {
	bus := NewBus()
	var got Event
	_ = bus.Subscribe("sub", Filter{}, func(e Event) { got = e })

	bus.Publish(Event{Name: "message:received", Data: json.RawMessage(`{"id":"m1"}`)})

	if string(got.Data) != `{"id":"m1"}` {
		t.Fatalf("payload = %s", got.Data)
	}
	if got.ReceivedAt.IsZero() {
		t.Fatal("ReceivedAt was not stamped")
	}
	if bus.Publish(Event{}) != 0 {
		t.Fatal("unnamed events must not be delivered")
	}
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewBus()
	calls := 0
	_ = bus.Subscribe("once", Filter{}, func(Event) {
		calls++
		_ = bus.Unsubscribe("once")
	})

	bus.Publish(Event{Name: "connect"})
	bus.Publish(Event{Name: "connect"})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	_ = bus.Subscribe("a", Filter{}, func(Event) {})
	bus.Close()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d after Close", bus.SubscriberCount())
	}
}
