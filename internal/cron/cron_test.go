package cron

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFireSubmitsDueEntries(t *testing.T) {
	var mu sync.Mutex
	var got []string
	submit := func(ctx context.Context, sessionID, title, prompt string) error {
		mu.Lock()
		got = append(got, title)
		mu.Unlock()
		return nil
	}

	s := NewScheduler([]Entry{
		{Schedule: "* * * * *", Prompt: "p", Title: "every-minute"},
		{Schedule: "0 0 31 2 *", Prompt: "p", Title: "never"},
	}, submit)

	s.fire(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("due entry never submitted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "every-minute" {
		t.Errorf("submitted = %v", got)
	}
}

func TestFireLateWakeupStillDue(t *testing.T) {
	fired := make(chan string, 10)
	submit := func(ctx context.Context, sessionID, title, prompt string) error {
		fired <- title
		return nil
	}
	s := NewScheduler([]Entry{
		{Schedule: "* * * * *", Prompt: "p", Title: "every-minute"},
		{Schedule: "9 11 * * *", Prompt: "p", Title: "eleven-oh-nine"},
		{Schedule: "10 11 * * *", Prompt: "p", Title: "eleven-ten"},
	}, submit)

	// Woken 42s past the boundary: the containing minute still counts.
	s.fireAt(context.Background(), time.Date(2026, 8, 25, 11, 9, 42, 0, time.UTC))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case title := <-fired:
			got[title] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("fired = %v, want 2 entries", got)
		}
	}
	if !got["every-minute"] || !got["eleven-oh-nine"] {
		t.Errorf("fired = %v", got)
	}
	select {
	case title := <-fired:
		t.Errorf("unexpected entry fired: %q", title)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetEntriesSwaps(t *testing.T) {
	fired := make(chan string, 10)
	submit := func(ctx context.Context, sessionID, title, prompt string) error {
		fired <- title
		return nil
	}
	s := NewScheduler([]Entry{{Schedule: "* * * * *", Prompt: "p", Title: "old"}}, submit)
	s.SetEntries([]Entry{{Schedule: "* * * * *", Prompt: "p", Title: "new"}})

	s.fire(context.Background())
	select {
	case title := <-fired:
		if title != "new" {
			t.Errorf("fired %q", title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing fired")
	}
}

func TestRunStops(t *testing.T) {
	s := NewScheduler(nil, func(context.Context, string, string, string) error { return nil })
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
