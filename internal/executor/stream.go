package executor

import (
	"fmt"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// streamSink bridges provider stream chunks to the bus and the session.
// A detached sink (no session) swallows everything; detached queries leave
// no trace anywhere.
type streamSink struct {
	bus     *bus.Bus
	session *session.Session
	meta    bus.Metadata
	model   string

	msgID     string
	open      bool
	text      string
	reasoning string
	usage     *providers.Usage
}

func (e *Executor) newSink(qctx QueryContext) (*streamSink, error) {
	if qctx.SessionID == "" {
		return &streamSink{}, nil
	}
	s, err := e.sessions.Get(qctx.SessionID)
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", qctx.SessionID, err)
	}
	return &streamSink{
		bus:     e.bus,
		session: s,
		meta: bus.Metadata{
			SessionID: qctx.SessionID,
			ClientID:  qctx.ClientID,
			TaskID:    qctx.TaskID,
			Source:    "executor",
		},
	}, nil
}

func (s *streamSink) publish(eventType string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventType, payload, s.meta)
}

// beginAssistantTurn opens a fresh assistant message for the next LLM call
// and announces its stream. Each message is its own stream: a turn left open
// by a tool round is closed first, so every stream.start pairs with exactly
// one terminal event.
func (s *streamSink) beginAssistantTurn() {
	s.text = ""
	s.reasoning = ""
	if s.session == nil {
		return
	}
	s.closeTurn()
	msg := s.session.BeginAssistantMessage()
	s.msgID = msg.ID
	s.open = true
	s.publish(protocol.EventStreamStart, protocol.StreamStart{
		SessionID: s.meta.SessionID,
		MessageID: s.msgID,
		Model:     s.model,
	})
}

// closeTurn terminates the current message stream without usage. Usage is
// reported once, on the final message's stream.completed.
func (s *streamSink) closeTurn() {
	if !s.open {
		return
	}
	s.open = false
	s.publish(protocol.EventStreamCompleted, protocol.StreamCompleted{
		SessionID: s.meta.SessionID,
		MessageID: s.msgID,
	})
}

func (s *streamSink) onChunk(chunk providers.StreamChunk) {
	if s.session == nil {
		return
	}
	if chunk.Thinking != "" {
		s.reasoning += chunk.Thinking
		if err := s.session.SetReasoning(s.msgID, s.reasoning); err == nil {
			s.publish(protocol.EventStreamReasoning, protocol.StreamReasoning{
				SessionID: s.meta.SessionID,
				MessageID: s.msgID,
				Content:   s.reasoning,
			})
		}
	}
	if chunk.Content != "" {
		s.text += chunk.Content
		if err := s.session.AppendText(s.msgID, chunk.Content); err == nil {
			s.publish(protocol.EventStreamText, protocol.StreamText{
				SessionID: s.meta.SessionID,
				MessageID: s.msgID,
				Content:   s.text,
				Delta:     chunk.Content,
			})
		}
	}
}

func (s *streamSink) toolCall(tc providers.ToolCall) {
	if s.session == nil {
		return
	}
	s.session.AddToolCall(tc.ID, tc.Name, tc.Arguments)
	s.publish(protocol.EventStreamToolCall, protocol.StreamToolCall{
		SessionID:  s.meta.SessionID,
		MessageID:  s.msgID,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   tc.Arguments,
	})
}

func (s *streamSink) toolResult(tc providers.ToolCall, result *tools.Result) {
	if s.session == nil {
		return
	}
	var toolErr error
	if result.IsError {
		toolErr = fmt.Errorf("%s", result.ForLLM)
	}
	if err := s.session.UpdateToolResult(tc.ID, result.ForLLM, toolErr); err != nil {
		return
	}
	s.publish(protocol.EventStreamToolResult, protocol.StreamToolResult{
		SessionID:  s.meta.SessionID,
		MessageID:  s.msgID,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Result:     result.ForLLM,
		Success:    !result.IsError,
	})
}

func (s *streamSink) complete(content string) {
	if s.session == nil || !s.open {
		return
	}
	s.open = false
	var usage *protocol.Usage
	if s.usage != nil && s.usage.TotalTokens > 0 {
		usage = &protocol.Usage{
			PromptTokens:     s.usage.PromptTokens,
			CompletionTokens: s.usage.CompletionTokens,
			TotalTokens:      s.usage.TotalTokens,
		}
	}
	s.publish(protocol.EventStreamCompleted, protocol.StreamCompleted{
		SessionID: s.meta.SessionID,
		MessageID: s.msgID,
		Usage:     usage,
	})
}

// fail flips any in-flight tool parts to error and terminates the stream.
func (s *streamSink) fail(err error) {
	if s.session == nil {
		return
	}
	s.session.FailPendingTools(err.Error())
	s.open = false
	s.publish(protocol.EventStreamError, protocol.StreamError{
		SessionID: s.meta.SessionID,
		MessageID: s.msgID,
		Error:     err.Error(),
	})
}
