// Package bus is the in-process typed pub/sub channel connecting the query
// executor, the task manager, and the SSE/WebSocket gateway.
//
// Delivery contract:
//   - events destined for one subscriber arrive in publish order
//   - no ordering guarantee across subscribers
//   - a slow handler never blocks other subscribers (per-subscriber queues)
//   - handler panics are recovered and logged, never propagated
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/pkg/ids"
)

// Metadata carries routing information alongside an event payload.
type Metadata struct {
	SessionID        string `json:"sessionId,omitempty"`
	ClientID         string `json:"clientId,omitempty"`
	Source           string `json:"source,omitempty"`
	TriggerSessionID string `json:"triggerSessionId,omitempty"`
	TaskID           string `json:"taskId,omitempty"`
	AgentGuide       string `json:"agentGuide,omitempty"`
}

// Event is the transport record published on the bus. Immutable once
// published.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives a single event.
type Handler func(Event)

// Bus fans events out to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	types     map[string]bool // nil = every type
	sessionID string          // "" = every session
	handler   Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish constructs an event with a fresh ID and the current timestamp and
// dispatches it to all matching subscribers. It returns once the event is
// queued for every subscriber; handlers run on their own dispatchers.
func (b *Bus) Publish(eventType string, payload any, meta Metadata) Event {
	ev := Event{
		ID:        ids.Ascending(ids.PrefixEvent),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata:  meta,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ev
	}
	for _, sub := range b.subs {
		if sub.matches(ev) {
			sub.enqueue(ev)
		}
	}
	return ev
}

// Subscribe registers a handler for the given event types, optionally scoped
// to one session. With a session scope the handler receives only events whose
// metadata sessionID matches exactly. An empty types slice matches every
// type. The returned function unsubscribes.
func (b *Bus) Subscribe(types []string, handler Handler, sessionID string) (unsubscribe func()) {
	var set map[string]bool
	if len(types) > 0 {
		set = make(map[string]bool, len(types))
		for _, t := range types {
			set[t] = true
		}
	}
	return b.add(&subscriber{types: set, sessionID: sessionID, handler: handler})
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.add(&subscriber{handler: handler})
}

// SubscribeToSession registers a handler for every event tagged with the
// given session. Subscribing to an unknown session is valid: the subscription
// is live and simply never fires.
func (b *Bus) SubscribeToSession(sessionID string, handler Handler) (unsubscribe func()) {
	return b.add(&subscriber{sessionID: sessionID, handler: handler})
}

// Once registers a handler that auto-unsubscribes after its first match. The
// handler returns true to consume the event; returning false keeps the
// subscription alive.
func (b *Bus) Once(eventType string, handler func(Event) bool) (unsubscribe func()) {
	fired := false
	var unsub func()
	unsub = b.Subscribe([]string{eventType}, func(ev Event) {
		// The dispatcher runs handlers sequentially, so fired needs no lock.
		if fired {
			return
		}
		if handler(ev) {
			fired = true
			unsub()
		}
	}, "")
	return unsub
}

// Close stops all subscriber dispatchers. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) add(sub *subscriber) func() {
	sub.cond = sync.NewCond(&sub.mu)
	go sub.dispatch()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.stop()
		})
	}
}

func (s *subscriber) matches(ev Event) bool {
	if s.types != nil && !s.types[ev.Type] {
		return false
	}
	if s.sessionID != "" && ev.Metadata.SessionID != s.sessionID {
		return false
	}
	return true
}

// enqueue appends to the unbounded per-subscriber queue. Publish never blocks
// on a slow handler; bounding and dropping is the gateway's job.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) dispatch() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: handler panic", "type", ev.Type, "panic", r)
		}
	}()
	s.handler(ev)
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}
