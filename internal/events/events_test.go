package events

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/store/memory"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

func TestLogRetainsAndEvicts(t *testing.T) {
	b := bus.New()
	defer b.Close()
	l := NewLog(b, 3)
	defer l.Close()

	var evs []bus.Event
	for i := 0; i < 5; i++ {
		evs = append(evs, b.Publish(protocol.EventServerHeartbeat, i, bus.Metadata{}))
	}

	// Delivery is asynchronous.
	deadline := time.After(5 * time.Second)
	for {
		if _, ok := l.Get(evs[4].ID); ok {
			if recent := l.Recent(0); len(recent) == 3 {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("log never settled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok := l.Get(evs[0].ID); ok {
		t.Error("oldest event survived eviction")
	}
	recent := l.Recent(2)
	if len(recent) != 2 || recent[1].ID != evs[4].ID {
		t.Errorf("recent = %+v", recent)
	}
}

type staticResolver map[string]string

func (r staticResolver) ActiveSession(clientID string) (string, bool) {
	id, ok := r[clientID]
	return id, ok
}

func TestProcessEventSynthesizesTurn(t *testing.T) {
	sessions := session.NewManager(memory.New(), 0)
	s, _ := sessions.Create("", "")

	var ranSession, ranPrompt string
	run := func(ctx context.Context, sessionID, prompt string) (string, error) {
		ranSession = sessionID
		ranPrompt = prompt
		return "handled", nil
	}
	p := NewProcessor(sessions, nil, run)

	ev := bus.Event{
		ID:        "evt_test1",
		Type:      protocol.EventTaskCompleted,
		Timestamp: time.Now(),
		Metadata:  bus.Metadata{TriggerSessionID: s.ID(), TaskID: "tsk_1"},
		Payload:   protocol.TaskCompleted{TaskID: "tsk_1", Result: "the answer"},
	}
	if err := p.ProcessEvent(context.Background(), ev, DefaultOptions()); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if ranSession != s.ID() {
		t.Errorf("ran session %q", ranSession)
	}
	if want := "Process event: " + protocol.EventTaskCompleted; ranPrompt != want {
		t.Errorf("prompt = %q, want %q", ranPrompt, want)
	}

	msgs := s.GetMessages(0)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || !strings.Contains(msgs[0].Parts[0].Text, "evt_test1") {
		t.Errorf("observation = %+v", msgs[0])
	}
	callPart := msgs[1].Parts[0]
	if msgs[1].Role != store.RoleAssistant || callPart.Type != store.PartTool || callPart.CallID != "call_evt_test1" || callPart.Tool != "get_event_info" {
		t.Errorf("tool call = %+v", msgs[1])
	}
	if callPart.State != store.ToolCompleted || !strings.Contains(callPart.Output, "the answer") {
		t.Errorf("tool call result = %+v", callPart)
	}
	resultPart := msgs[2].Parts[0]
	if msgs[2].Role != store.RoleTool || resultPart.CallID != "call_evt_test1" {
		t.Errorf("tool message = %+v", msgs[2])
	}
	if resultPart.State != store.ToolCompleted || !strings.Contains(resultPart.Output, "the answer") {
		t.Errorf("tool message result = %+v", resultPart)
	}
}

func TestProcessEventClientFallback(t *testing.T) {
	sessions := session.NewManager(memory.New(), 0)
	s, _ := sessions.Create("", "")

	run := func(ctx context.Context, sessionID, prompt string) (string, error) { return "", nil }
	p := NewProcessor(sessions, staticResolver{"cli_1": s.ID()}, run)

	ev := bus.Event{ID: "evt_x", Type: protocol.EventTaskCompleted, Metadata: bus.Metadata{ClientID: "cli_1"}}
	if err := p.ProcessEvent(context.Background(), ev, Options{}); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if got := len(s.GetMessages(0)); got != 1 {
		t.Errorf("messages = %d, want 1 (no tool call requested)", got)
	}
}

func TestProcessEventNoTarget(t *testing.T) {
	sessions := session.NewManager(memory.New(), 0)
	p := NewProcessor(sessions, nil, func(context.Context, string, string) (string, error) { return "", nil })

	err := p.ProcessEvent(context.Background(), bus.Event{ID: "evt_y"}, Options{})
	if err == nil {
		t.Error("expected error for untargeted event")
	}
}

func TestSubscribeTasksEndToEnd(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sessions := session.NewManager(memory.New(), 0)
	s, _ := sessions.Create("", "")

	done := make(chan string, 1)
	run := func(ctx context.Context, sessionID, prompt string) (string, error) {
		done <- sessionID
		return "", nil
	}
	p := NewProcessor(sessions, nil, run)
	unsub := p.SubscribeTasks(b)
	defer unsub()

	b.Publish(protocol.EventTaskCompleted,
		protocol.TaskCompleted{TaskID: "tsk_9", Result: "r"},
		bus.Metadata{TriggerSessionID: s.ID(), TaskID: "tsk_9"})

	select {
	case got := <-done:
		if got != s.ID() {
			t.Errorf("resumed %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor never ran")
	}
}

func TestProcessorErrorsDoNotPanic(t *testing.T) {
	sessions := session.NewManager(memory.New(), 0)
	run := func(ctx context.Context, sessionID, prompt string) (string, error) {
		return "", fmt.Errorf("executor busy")
	}
	p := NewProcessor(sessions, nil, run)
	s, _ := sessions.Create("", "")

	err := p.ProcessEvent(context.Background(), bus.Event{
		ID: "evt_z", Type: protocol.EventTaskFailed,
		Metadata: bus.Metadata{TriggerSessionID: s.ID()},
	}, Options{})
	if err == nil || !strings.Contains(err.Error(), "executor busy") {
		t.Errorf("err = %v", err)
	}
}
