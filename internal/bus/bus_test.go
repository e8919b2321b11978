package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

func collectN(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d/%d events", len(out), n)
		}
	}
	return out
}

func TestPublishOrder(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 200)
	b.Subscribe([]string{protocol.EventStreamText}, func(ev Event) { ch <- ev }, "")

	for i := 0; i < 100; i++ {
		b.Publish(protocol.EventStreamText, i, Metadata{SessionID: "ses_a"})
	}

	events := collectN(t, ch, 100)
	for i, ev := range events {
		if ev.Payload.(int) != i {
			t.Fatalf("event %d out of order: payload %v", i, ev.Payload)
		}
	}
}

func TestSessionScope(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 10)
	b.SubscribeToSession("ses_a", func(ev Event) { ch <- ev })

	b.Publish(protocol.EventStreamText, "other", Metadata{SessionID: "ses_b"})
	b.Publish(protocol.EventStreamText, "unscoped", Metadata{})
	b.Publish(protocol.EventStreamText, "mine", Metadata{SessionID: "ses_a"})

	got := collectN(t, ch, 1)
	if got[0].Payload != "mine" {
		t.Errorf("payload = %v, want %q", got[0].Payload, "mine")
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeUnknownSessionNeverFires(t *testing.T) {
	b := New()
	defer b.Close()

	fired := make(chan struct{}, 1)
	unsub := b.SubscribeToSession("ses_missing", func(Event) { fired <- struct{}{} })
	defer unsub()

	b.Publish(protocol.EventStreamText, "x", Metadata{SessionID: "ses_real"})

	select {
	case <-fired:
		t.Error("scoped subscription fired for a different session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOnce(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	b.Once(protocol.EventTaskCompleted, func(ev Event) bool {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
		return true
	})

	// Publish a burst before the subscriber drains anything.
	for i := 0; i < 100; i++ {
		b.Publish(protocol.EventTaskCompleted, i, Metadata{})
	}

	<-done
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("once handler called %d times, want 1", calls)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 10)
	unsub := b.SubscribeAll(func(ev Event) { ch <- ev })

	b.Publish(protocol.EventServerHeartbeat, nil, Metadata{})
	collectN(t, ch, 1)

	unsub()
	b.Publish(protocol.EventServerHeartbeat, nil, Metadata{})
	select {
	case <-ch:
		t.Error("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 10)
	b.SubscribeAll(func(Event) { panic("boom") })
	b.SubscribeAll(func(ev Event) { ch <- ev })

	b.Publish(protocol.EventStreamText, "survives", Metadata{})

	got := collectN(t, ch, 1)
	if got[0].Payload != "survives" {
		t.Errorf("payload = %v", got[0].Payload)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	b.SubscribeAll(func(Event) { <-release })

	fast := make(chan Event, 200)
	b.SubscribeAll(func(ev Event) { fast <- ev })

	for i := 0; i < 100; i++ {
		b.Publish(protocol.EventStreamText, i, Metadata{})
	}

	collectN(t, fast, 100)
	close(release)
}

func TestEventFields(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 1)
	b.SubscribeAll(func(ev Event) { ch <- ev })

	before := time.Now()
	b.Publish(protocol.EventStreamStart, "p", Metadata{SessionID: "ses_x", TaskID: "tsk_1"})

	ev := collectN(t, ch, 1)[0]
	if ev.Type != protocol.EventStreamStart {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.ID == "" {
		t.Error("missing event ID")
	}
	if ev.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("timestamp too old: %v", ev.Timestamp)
	}
	if ev.Metadata.SessionID != "ses_x" || ev.Metadata.TaskID != "tsk_1" {
		t.Errorf("metadata = %+v", ev.Metadata)
	}
}
