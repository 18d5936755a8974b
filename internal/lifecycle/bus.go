// Package lifecycle announces socket lifecycle changes to endpoints that
// share a port, so they converge on the registered socket instead of
// creating duplicates.
//
// Delivery is synchronous and in-process: Publish calls every matching
// handler on the caller's goroutine, in subscription order, before
// returning. There is no persistence or replay; a handler subscribed after
// an event fired never sees it. Handlers must return quickly.
package lifecycle

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/recovery"
)

// AnyPort subscribes to events for every port. Port 0 is never registered,
// so it cannot collide with a real key.
const AnyPort = 0

// EventType identifies a lifecycle event.
type EventType int

const (
	// Created means a socket for the port was created or recreated.
	Created EventType = iota + 1
	// RebindRequested asks endpoints on the port (and on Related ports) to
	// make sure a live socket is registered.
	RebindRequested
	// Released means the port's socket was closed and its entry removed.
	Released
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case RebindRequested:
		return "rebind_requested"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification. Events carry no payload data.
type Event struct {
	Type    EventType
	Port    int
	Related []int
}

func (e Event) String() string {
	if len(e.Related) > 0 {
		return fmt.Sprintf("%s(%d, related=%v)", e.Type, e.Port, e.Related)
	}
	return fmt.Sprintf("%s(%d)", e.Type, e.Port)
}

// matches reports whether a subscription on port wants e.
func (e Event) matches(port int) bool {
	return port == AnyPort || port == e.Port || slices.Contains(e.Related, port)
}

// Handler receives events.
type Handler func(Event)

// Observer is notified of every published event, for metrics.
type Observer func(Event)

// Bus is a port-scoped observer list.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	subs     []*Subscription
	observer Observer
	logger   *slog.Logger
}

// Subscription is one registration of interest. It must be cancelled with
// Unsubscribe when its owner stops.
type Subscription struct {
	id      uint64
	port    int
	owner   string
	handler Handler
	bus     *Bus
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logging.Component(logger, "lifecycle")}
}

// SetObserver installs a function called for every published event.
func (b *Bus) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Subscribe registers h for events on port (or AnyPort). owner is used only
// for logging.
func (b *Bus) Subscribe(port int, owner string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, port: port, owner: owner, handler: h, bus: b}
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes the subscription. Calling it twice is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Port returns the subscribed port.
func (s *Subscription) Port() int { return s.port }

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every matching handler in subscription order. A
// panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	var targets []*Subscription
	for _, s := range b.subs {
		if e.matches(s.port) {
			targets = append(targets, s)
		}
	}
	observer := b.observer
	b.mu.RUnlock()

	if observer != nil {
		observer(e)
	}

	b.logger.Debug("lifecycle event",
		"event", e.String(),
		logging.KeyCount, len(targets))

	for _, s := range targets {
		recovery.Call(b.logger, e.Type.String()+":"+s.owner, func() { s.handler(e) })
	}
}

// PublishCreated announces that a socket for port was (re)created.
func (b *Bus) PublishCreated(port int) {
	b.Publish(Event{Type: Created, Port: port})
}

// RequestRebind asks endpoints on port and on related ports to make sure a
// live socket is registered.
func (b *Bus) RequestRebind(port int, related []int) {
	b.Publish(Event{Type: RebindRequested, Port: port, Related: related})
}

// PublishReleased announces that the socket for port was removed.
func (b *Bus) PublishReleased(port int) {
	b.Publish(Event{Type: Released, Port: port})
}
