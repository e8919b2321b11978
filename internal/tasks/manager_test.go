package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/store/memory"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

func setup(t *testing.T, run RunFunc) (*Manager, *session.Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	sessions := session.NewManager(memory.New(), 0)
	return NewManager(sessions, b, run, time.Minute), sessions, b
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task event")
		return bus.Event{}
	}
}

func terminalEvents(b *bus.Bus, ch chan bus.Event) {
	b.Subscribe([]string{
		protocol.EventTaskCompleted,
		protocol.EventTaskFailed,
		protocol.EventTaskTimeout,
		protocol.EventTaskStopped,
	}, func(ev bus.Event) { ch <- ev }, "")
}

func TestTaskCompletes(t *testing.T) {
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		return "done: " + prompt, nil
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	ch := make(chan bus.Event, 10)
	terminalEvents(b, ch)

	handle, err := m.Start(context.Background(), tools.TaskSpec{
		ParentSessionID: parent.ID(),
		Description:     "count",
		Prompt:          "count things",
		SubagentType:    "general",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Child session exists and is linked to the parent.
	sub, err := sessions.Get(handle.SubSessionID)
	if err != nil || sub.Info().ParentID != parent.ID() {
		t.Errorf("sub session: %+v, err %v", sub, err)
	}

	ev := waitEvent(t, ch)
	if ev.Type != protocol.EventTaskCompleted {
		t.Fatalf("event type = %q", ev.Type)
	}
	payload := ev.Payload.(protocol.TaskCompleted)
	if payload.TaskID != handle.TaskID || payload.Result != "done: count things" || payload.SubagentType != "general" {
		t.Errorf("payload = %+v", payload)
	}
	if ev.Metadata.TriggerSessionID != parent.ID() || ev.Metadata.TaskID != handle.TaskID {
		t.Errorf("metadata = %+v", ev.Metadata)
	}

	result, err := m.Wait(context.Background(), handle.TaskID)
	if err != nil || result != "done: count things" {
		t.Errorf("Wait = %q, %v", result, err)
	}
	task, _ := m.Get(handle.TaskID)
	if task.Status != StatusCompleted {
		t.Errorf("status = %q", task.Status)
	}
}

func TestTaskFails(t *testing.T) {
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		return "", errors.New("provider melted")
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	ch := make(chan bus.Event, 10)
	terminalEvents(b, ch)

	handle, _ := m.Start(context.Background(), tools.TaskSpec{ParentSessionID: parent.ID(), Description: "d", Prompt: "p"})
	ev := waitEvent(t, ch)
	if ev.Type != protocol.EventTaskFailed {
		t.Fatalf("event type = %q", ev.Type)
	}
	if payload := ev.Payload.(protocol.TaskFailed); payload.Error != "provider melted" {
		t.Errorf("payload = %+v", payload)
	}
	if _, err := m.Wait(context.Background(), handle.TaskID); err == nil {
		t.Error("Wait returned nil error for failed task")
	}
}

func TestTaskTimeout(t *testing.T) {
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	ch := make(chan bus.Event, 10)
	terminalEvents(b, ch)

	m.Start(context.Background(), tools.TaskSpec{
		ParentSessionID: parent.ID(),
		Description:     "slow",
		Prompt:          "p",
		Timeout:         20 * time.Millisecond,
	})
	ev := waitEvent(t, ch)
	if ev.Type != protocol.EventTaskTimeout {
		t.Fatalf("event type = %q", ev.Type)
	}
}

func TestTaskStop(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	ch := make(chan bus.Event, 10)
	terminalEvents(b, ch)

	handle, _ := m.Start(context.Background(), tools.TaskSpec{ParentSessionID: parent.ID(), Description: "d", Prompt: "p"})
	<-started
	m.Stop(handle.TaskID)

	ev := waitEvent(t, ch)
	if ev.Type != protocol.EventTaskStopped {
		t.Fatalf("event type = %q", ev.Type)
	}
	task, _ := m.Get(handle.TaskID)
	if task.Status != StatusStopped {
		t.Errorf("status = %q", task.Status)
	}
}

func TestTaskRunningBeforeExecution(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	}
	m, sessions, _ := setup(t, run)
	parent, _ := sessions.Create("", "")

	handle, err := m.Start(context.Background(), tools.TaskSpec{ParentSessionID: parent.ID(), Description: "d", Prompt: "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// By the time the worker reaches the run func the pending registration
	// must have been promoted.
	<-entered
	task, ok := m.Get(handle.TaskID)
	if !ok || task.Status != StatusRunning {
		t.Errorf("status during execution = %q, want %q", task.Status, StatusRunning)
	}

	close(release)
	if _, err := m.Wait(context.Background(), handle.TaskID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if task, _ := m.Get(handle.TaskID); task.Status != StatusCompleted {
		t.Errorf("final status = %q", task.Status)
	}
}

func TestStopBeforeExecutionStillStops(t *testing.T) {
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	ch := make(chan bus.Event, 10)
	terminalEvents(b, ch)

	// Stop immediately after registration, racing the worker's pending ->
	// running promotion; either way the outcome must be a stop, not a failure.
	handle, _ := m.Start(context.Background(), tools.TaskSpec{ParentSessionID: parent.ID(), Description: "d", Prompt: "p"})
	m.Stop(handle.TaskID)

	ev := waitEvent(t, ch)
	if ev.Type != protocol.EventTaskStopped {
		t.Fatalf("event type = %q", ev.Type)
	}
	if task, _ := m.Get(handle.TaskID); task.Status != StatusStopped {
		t.Errorf("status = %q", task.Status)
	}
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		<-release
		return "late result", nil
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	var terminal atomic.Int32
	done := make(chan bus.Event, 10)
	b.Subscribe([]string{
		protocol.EventTaskCompleted, protocol.EventTaskStopped,
	}, func(ev bus.Event) { terminal.Add(1); done <- ev }, "")

	handle, _ := m.Start(context.Background(), tools.TaskSpec{ParentSessionID: parent.ID(), Description: "d", Prompt: "p"})
	m.Stop(handle.TaskID)
	close(release) // worker finishes after the stop

	waitEvent(t, done)
	time.Sleep(100 * time.Millisecond)
	if got := terminal.Load(); got != 1 {
		t.Errorf("terminal events = %d, want 1", got)
	}
}

func TestCleanupDelete(t *testing.T) {
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) {
		return "r", nil
	}
	m, sessions, b := setup(t, run)
	parent, _ := sessions.Create("", "")

	ch := make(chan bus.Event, 10)
	terminalEvents(b, ch)

	handle, _ := m.Start(context.Background(), tools.TaskSpec{
		ParentSessionID: parent.ID(), Description: "d", Prompt: "p", Cleanup: "delete",
	})
	waitEvent(t, ch)

	if _, err := m.Wait(context.Background(), handle.TaskID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := sessions.Get(handle.SubSessionID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("sub session survived cleanup: %v", err)
	}
}

func TestList(t *testing.T) {
	run := func(ctx context.Context, prompt, sessionID, taskID string) (string, error) { return "", nil }
	m, sessions, _ := setup(t, run)
	a, _ := sessions.Create("", "")
	other, _ := sessions.Create("", "")

	m.Start(context.Background(), tools.TaskSpec{ParentSessionID: a.ID(), Description: "1", Prompt: "p"})
	m.Start(context.Background(), tools.TaskSpec{ParentSessionID: other.ID(), Description: "2", Prompt: "p"})

	if got := len(m.List(a.ID())); got != 1 {
		t.Errorf("List(parent) = %d, want 1", got)
	}
	if got := len(m.List("")); got != 2 {
		t.Errorf("List(all) = %d, want 2", got)
	}
}
