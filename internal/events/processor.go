package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// RunFunc resumes a session through the executor. The session already
// contains the synthesized event turn; prompt is the follow-up instruction
// recorded on top of it.
type RunFunc func(ctx context.Context, sessionID, prompt string) (string, error)

// SessionResolver maps a client to its active session. Implemented by the
// gateway's connection registry.
type SessionResolver interface {
	ActiveSession(clientID string) (string, bool)
}

// Options tunes how an event is injected into a session.
type Options struct {
	// Prompt replaces the default "Process event: <type>" instruction passed
	// to the executor.
	Prompt string
	// IncludeToolCall pre-fills a completed get_event_info call carrying the
	// event payload, saving the model a round trip.
	IncludeToolCall bool
	// ToolName overrides the pre-filled tool's name.
	ToolName string
}

// DefaultOptions is what the task-event subscription uses.
func DefaultOptions() Options {
	return Options{IncludeToolCall: true, ToolName: "get_event_info"}
}

// Processor re-enters sessions when events addressed to them arrive: the
// event is synthesized into the session as a user observation, an assistant
// tool call, and a tool result message, then the executor resumes the
// session.
type Processor struct {
	sessions *session.Manager
	resolver SessionResolver
	run      RunFunc
}

func NewProcessor(sessions *session.Manager, resolver SessionResolver, run RunFunc) *Processor {
	return &Processor{sessions: sessions, resolver: resolver, run: run}
}

// SubscribeTasks wires the processor to all task terminal events. Returns
// the unsubscribe function.
func (p *Processor) SubscribeTasks(b *bus.Bus) func() {
	types := []string{
		protocol.EventTaskCompleted,
		protocol.EventTaskFailed,
		protocol.EventTaskTimeout,
		protocol.EventTaskStopped,
	}
	return b.Subscribe(types, func(ev bus.Event) {
		if err := p.ProcessEvent(context.Background(), ev, DefaultOptions()); err != nil {
			slog.Warn("event re-entry failed", "event", ev.ID, "type", ev.Type, "error", err)
		}
	}, "")
}

// ProcessEvent injects the event into its target session and resumes it.
// The target is the event's TriggerSessionID, falling back to the client's
// active session when only a ClientID is present.
func (p *Processor) ProcessEvent(ctx context.Context, ev bus.Event, opts Options) error {
	sessionID := ev.Metadata.TriggerSessionID
	if sessionID == "" && ev.Metadata.ClientID != "" && p.resolver != nil {
		if id, ok := p.resolver.ActiveSession(ev.Metadata.ClientID); ok {
			sessionID = id
		}
	}
	if sessionID == "" {
		return fmt.Errorf("event %s: no target session", ev.ID)
	}

	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return fmt.Errorf("event %s: resolve session %s: %w", ev.ID, sessionID, err)
	}

	observation := fmt.Sprintf("Observed event: %s\nEvent ID: %s\nTime: %s",
		ev.Type, ev.ID, ev.Timestamp.UTC().Format(time.RFC3339))
	if guide := ev.Metadata.AgentGuide; guide != "" {
		observation += "\n" + guide
	}
	s.AddUserMessage(observation)

	if opts.IncludeToolCall {
		toolName := opts.ToolName
		if toolName == "" {
			toolName = "get_event_info"
		}
		callID := "call_" + ev.ID
		args := map[string]any{"event_ids": []any{ev.ID}}

		s.AddAssistantMessageWithTool(callID, toolName, args)

		payload, err := json.Marshal(ev)
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"error":"encode event: %v"}`, err))
		}
		if err := s.UpdateToolResult(callID, string(payload), nil); err != nil {
			return fmt.Errorf("event %s: fill tool result: %w", ev.ID, err)
		}
		s.AddToolMessage(toolName, callID, string(payload), args)
	}

	prompt := opts.Prompt
	if prompt == "" {
		prompt = "Process event: " + ev.Type
	}

	slog.Info("re-entering session for event", "event", ev.ID, "type", ev.Type, "session", sessionID)
	if _, err := p.run(ctx, sessionID, prompt); err != nil {
		return fmt.Errorf("event %s: resume session %s: %w", ev.ID, sessionID, err)
	}
	return nil
}
