package lifecycle

import (
	"reflect"
	"testing"
)

func TestBus_DeliversToPortSubscribers(t *testing.T) {
	b := NewBus(nil)

	var got []Event
	b.Subscribe(5000, "in-a", func(e Event) { got = append(got, e) })
	b.Subscribe(6000, "in-b", func(e Event) { t.Errorf("port 6000 handler received %v", e) })

	b.PublishCreated(5000)

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Type != Created || got[0].Port != 5000 {
		t.Errorf("event = %v, want created(5000)", got[0])
	}
}

func TestBus_SubscriptionOrder(t *testing.T) {
	b := NewBus(nil)

	var order []string
	b.Subscribe(7000, "first", func(Event) { order = append(order, "first") })
	b.Subscribe(AnyPort, "status", func(Event) { order = append(order, "status") })
	b.Subscribe(7000, "second", func(Event) { order = append(order, "second") })

	b.RequestRebind(7000, nil)

	want := []string{"first", "status", "second"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_RelatedPorts(t *testing.T) {
	b := NewBus(nil)

	hits := map[int]int{}
	for _, p := range []int{100, 200, 300} {
		p := p
		b.Subscribe(p, "ep", func(Event) { hits[p]++ })
	}

	b.RequestRebind(100, []int{300})

	if hits[100] != 1 || hits[300] != 1 || hits[200] != 0 {
		t.Errorf("hits = %v, want 100 and 300 once, 200 never", hits)
	}
}

func TestBus_AnyPort(t *testing.T) {
	b := NewBus(nil)

	var types []EventType
	b.Subscribe(AnyPort, "status", func(e Event) { types = append(types, e.Type) })

	b.PublishCreated(1)
	b.RequestRebind(2, nil)
	b.PublishReleased(3)

	want := []EventType{Created, RebindRequested, Released}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
}

func TestBus_NoReplay(t *testing.T) {
	b := NewBus(nil)
	b.PublishCreated(9000)

	called := false
	b.Subscribe(9000, "late", func(Event) { called = true })

	if called {
		t.Error("late subscriber saw an event published before it subscribed")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)

	called := 0
	s := b.Subscribe(4000, "ep", func(Event) { called++ })
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}

	s.Unsubscribe()
	s.Unsubscribe()
	b.PublishCreated(4000)

	if called != 0 {
		t.Errorf("handler called %d times after Unsubscribe", called)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestBus_HandlerMayUnsubscribeDuringPublish(t *testing.T) {
	b := NewBus(nil)

	var s *Subscription
	s = b.Subscribe(4100, "self", func(Event) { s.Unsubscribe() })
	second := false
	b.Subscribe(4100, "other", func(Event) { second = true })

	b.PublishCreated(4100)

	if !second {
		t.Error("second handler skipped after first unsubscribed")
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := NewBus(nil)

	b.Subscribe(4200, "bad", func(Event) { panic("boom") })
	reached := false
	b.Subscribe(4200, "good", func(Event) { reached = true })

	b.PublishCreated(4200)

	if !reached {
		t.Error("handler after panicking handler was not called")
	}
}

func TestBus_Observer(t *testing.T) {
	b := NewBus(nil)

	var seen []Event
	b.SetObserver(func(e Event) { seen = append(seen, e) })
	b.RequestRebind(10, []int{11})

	if len(seen) != 1 || seen[0].Type != RebindRequested {
		t.Errorf("observer saw %v", seen)
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{Created, "created"},
		{RebindRequested, "rebind_requested"},
		{Released, "released"},
		{EventType(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.t.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.t, got, tc.want)
		}
	}
}
