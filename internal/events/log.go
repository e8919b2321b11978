// Package events provides the event log and the re-entry processor that
// feeds observed events back into sessions as model turns.
package events

import (
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
)

// DefaultLogSize is how many recent events the log retains.
const DefaultLogSize = 1000

// Log keeps a ring buffer of recent bus events, addressable by ID. It backs
// the get_event_info tool.
type Log struct {
	mu    sync.RWMutex
	byID  map[string]bus.Event
	order []string
	size  int

	unsubscribe func()
}

// NewLog subscribes to every event on the bus. size <= 0 uses
// DefaultLogSize.
func NewLog(b *bus.Bus, size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	l := &Log{
		byID: make(map[string]bus.Event),
		size: size,
	}
	l.unsubscribe = b.SubscribeAll(l.record)
	return l
}

func (l *Log) record(ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.byID[ev.ID]; !seen {
		l.order = append(l.order, ev.ID)
	}
	l.byID[ev.ID] = ev
	for len(l.order) > l.size {
		delete(l.byID, l.order[0])
		l.order = l.order[1:]
	}
}

// Get returns the event with the given ID if it is still retained.
func (l *Log) Get(eventID string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.byID[eventID]
	if !ok {
		return nil, false
	}
	return ev, true
}

// Recent returns up to n of the most recent events, newest last.
func (l *Log) Recent(n int) []bus.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && len(l.order) > n {
		start = len(l.order) - n
	}
	out := make([]bus.Event, 0, len(l.order)-start)
	for _, id := range l.order[start:] {
		out = append(out, l.byID[id])
	}
	return out
}

// Close detaches the log from the bus.
func (l *Log) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}
