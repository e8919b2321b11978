// Package cron fires configured prompts into sessions on a schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// SubmitFunc delivers a due prompt. sessionID may be empty; the submitter
// decides where the prompt lands (a dedicated session is created lazily).
type SubmitFunc func(ctx context.Context, sessionID, title, prompt string) error

// Entry is one schedule.
type Entry struct {
	Schedule string
	Session  string
	Prompt   string
	Title    string
}

// Scheduler ticks once a minute and submits every entry whose cron
// expression is due.
type Scheduler struct {
	submit SubmitFunc
	gron   *gronx.Gronx

	mu      sync.Mutex
	entries []Entry

	stopOnce sync.Once
	stop     chan struct{}
}

func NewScheduler(entries []Entry, submit SubmitFunc) *Scheduler {
	s := &Scheduler{
		submit:  submit,
		gron:    gronx.New(),
		entries: entries,
		stop:    make(chan struct{}),
	}
	for _, e := range entries {
		if !s.gron.IsValid(e.Schedule) {
			slog.Warn("cron: invalid schedule skipped", "schedule", e.Schedule, "title", e.Title)
		}
	}
	return s
}

// SetEntries swaps the schedule set. Used by config hot-reload.
func (s *Scheduler) SetEntries(entries []Entry) {
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled or Stop is called, firing due entries on
// minute boundaries.
func (s *Scheduler) Run(ctx context.Context) {
	// Align to the next minute so IsDue evaluates on-tick.
	timer := time.NewTimer(time.Until(time.Now().Truncate(time.Minute).Add(time.Minute)))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.fire(ctx)
			timer.Reset(time.Until(time.Now().Truncate(time.Minute).Add(time.Minute)))
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.fireAt(ctx, time.Now())
}

// fireAt evaluates entries against the minute boundary containing ref.
// gronx pins 5-part expressions to second zero, so the reference must sit
// exactly on the minute or any wakeup latency silently misses the tick.
func (s *Scheduler) fireAt(ctx context.Context, ref time.Time) {
	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	now := ref.Truncate(time.Minute)
	for _, e := range entries {
		due, err := s.gron.IsDue(e.Schedule, now)
		if err != nil {
			slog.Warn("cron: schedule check failed", "schedule", e.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		slog.Info("cron: entry due", "title", e.Title, "schedule", e.Schedule)
		go func(e Entry) {
			if err := s.submit(ctx, e.Session, e.Title, e.Prompt); err != nil {
				slog.Warn("cron: submit failed", "title", e.Title, "error", err)
			}
		}(e)
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
