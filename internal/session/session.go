// Package session builds the conversation model on top of the store: live
// session objects with part-structured message history, forking, compaction,
// and conversion to provider wire messages.
package session

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/ids"
)

// Session is a live conversation. All mutations persist through the manager's
// store; the in-memory view is authoritative and updated synchronously.
type Session struct {
	mu       sync.Mutex
	info     store.Session
	messages []store.Message
	st       store.Store
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ID
}

// Info returns a snapshot of the session descriptor.
func (s *Session) Info() store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) touchLocked() {
	s.info.Updated = time.Now().UnixMilli()
	if err := s.st.SaveSession(s.info); err != nil {
		// The in-memory view stays correct; durability is retried on the
		// next mutation.
		logStoreError("save session", s.info.ID, err)
	}
}

func (s *Session) saveMessageLocked(msg store.Message) {
	if err := s.st.SaveMessage(s.info.ID, msg); err != nil {
		logStoreError("save message", msg.ID, err)
	}
	s.touchLocked()
}

// DefaultMessageCap bounds the in-memory history. Eviction drops only the
// live copy; persisted messages survive, so forks and durable scans still see
// the full history.
const DefaultMessageCap = 100

func (s *Session) newMessageLocked(role string) *store.Message {
	if len(s.messages) >= DefaultMessageCap {
		drop := len(s.messages) - DefaultMessageCap + 1
		s.messages = s.messages[drop:]
	}
	s.messages = append(s.messages, store.Message{
		ID:        ids.Ascending(ids.PrefixMessage),
		SessionID: s.info.ID,
		Role:      role,
		Timestamp: time.Now().UnixMilli(),
	})
	return &s.messages[len(s.messages)-1]
}

func newPart(msgID string, typ store.PartType) store.Part {
	return store.Part{
		ID:        ids.Ascending(ids.PrefixPart),
		MessageID: msgID,
		Type:      typ,
	}
}

// AddUserMessage appends a user message with a single text part.
func (s *Session) AddUserMessage(text string) store.Message {
	return s.addTextMessage(store.RoleUser, text)
}

// AddSystemMessage appends a system message with a single text part.
func (s *Session) AddSystemMessage(text string) store.Message {
	return s.addTextMessage(store.RoleSystem, text)
}

// AddAssistantMessage appends a completed assistant message with a single
// text part.
func (s *Session) AddAssistantMessage(text string) store.Message {
	return s.addTextMessage(store.RoleAssistant, text)
}

func (s *Session) addTextMessage(role, text string) store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.newMessageLocked(role)
	part := newPart(msg.ID, store.PartText)
	part.Text = text
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
	return *msg
}

// AddFile appends a user message carrying a file part.
func (s *Session) AddFile(mime, url, filename string) store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.newMessageLocked(store.RoleUser)
	part := newPart(msg.ID, store.PartFile)
	part.Mime = mime
	part.URL = url
	part.Filename = filename
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
	return *msg
}

// AddAssistantMessageWithTool appends an assistant message carrying one
// pending tool call.
func (s *Session) AddAssistantMessageWithTool(callID, tool string, input map[string]any) store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.newMessageLocked(store.RoleAssistant)
	part := newPart(msg.ID, store.PartTool)
	part.CallID = callID
	part.Tool = tool
	part.State = store.ToolPending
	part.Input = input
	part.Time = store.TimeSpan{Start: time.Now().UnixMilli()}
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
	return *msg
}

// AddToolMessage appends a tool-role message holding a completed tool part.
func (s *Session) AddToolMessage(tool, callID, output string, input map[string]any) store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	msg := s.newMessageLocked(store.RoleTool)
	part := newPart(msg.ID, store.PartTool)
	part.CallID = callID
	part.Tool = tool
	part.State = store.ToolCompleted
	part.Output = output
	part.Input = input
	part.Time = store.TimeSpan{Start: now, End: now}
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
	return *msg
}

// AddReasoning appends a reasoning part to the trailing assistant message,
// opening a new assistant message when the tail has a different role.
func (s *Session) AddReasoning(text string) store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msg *store.Message
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == store.RoleAssistant {
		msg = &s.messages[n-1]
	} else {
		msg = s.newMessageLocked(store.RoleAssistant)
	}
	part := newPart(msg.ID, store.PartReasoning)
	part.Text = text
	part.Time = store.TimeSpan{Start: time.Now().UnixMilli()}
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
	return *msg
}

// BeginAssistantMessage opens an empty assistant message that subsequent
// AppendText/SetReasoning/AddToolCall calls grow.
func (s *Session) BeginAssistantMessage() store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.newMessageLocked(store.RoleAssistant)
	s.saveMessageLocked(*msg)
	return *msg
}

// AppendText appends a delta to the message's trailing text part, creating
// one if the message doesn't end with text.
func (s *Session) AppendText(msgID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.findMessageLocked(msgID)
	if msg == nil {
		return fmt.Errorf("session %s: message %s not found", s.info.ID, msgID)
	}
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == store.PartText {
		msg.Parts[n-1].Text += delta
	} else {
		part := newPart(msg.ID, store.PartText)
		part.Text = delta
		msg.Parts = append(msg.Parts, part)
	}
	s.saveMessageLocked(*msg)
	return nil
}

// SetReasoning replaces the message's reasoning part with the cumulative
// text, creating the part on first call and stamping its start time.
func (s *Session) SetReasoning(msgID, cumulative string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.findMessageLocked(msgID)
	if msg == nil {
		return fmt.Errorf("session %s: message %s not found", s.info.ID, msgID)
	}
	for i := range msg.Parts {
		if msg.Parts[i].Type == store.PartReasoning {
			msg.Parts[i].Text = cumulative
			s.saveMessageLocked(*msg)
			return nil
		}
	}
	part := newPart(msg.ID, store.PartReasoning)
	part.Text = cumulative
	part.Time = store.TimeSpan{Start: time.Now().UnixMilli()}
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
	return nil
}

// AddToolCall records a pending tool invocation on the trailing assistant
// message. When the last message is not an assistant message the call is
// dropped: the invocation has nothing to attach to, which happens when the
// history was truncated mid-stream.
func (s *Session) AddToolCall(callID, tool string, input map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return
	}
	msg := &s.messages[len(s.messages)-1]
	if msg.Role != store.RoleAssistant {
		return
	}
	part := newPart(msg.ID, store.PartTool)
	part.CallID = callID
	part.Tool = tool
	part.State = store.ToolPending
	part.Input = input
	part.Time = store.TimeSpan{Start: time.Now().UnixMilli()}
	msg.Parts = append(msg.Parts, part)
	s.saveMessageLocked(*msg)
}

// UpdateToolResult completes the pending tool part with the given call ID,
// flipping it to completed or error and stamping the end time.
func (s *Session) UpdateToolResult(callID, output string, toolErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := &s.messages[i]
		for j := range msg.Parts {
			p := &msg.Parts[j]
			if p.Type != store.PartTool || p.CallID != callID {
				continue
			}
			if toolErr != nil {
				p.State = store.ToolError
				p.Error = toolErr.Error()
			} else {
				p.State = store.ToolCompleted
				p.Output = output
			}
			p.Time.End = time.Now().UnixMilli()
			s.saveMessageLocked(*msg)
			return nil
		}
	}
	return fmt.Errorf("session %s: tool call %s not found", s.info.ID, callID)
}

// FailPendingTools flips every still-pending tool part to error. Called when
// a stream is cancelled or fails with invocations in flight.
func (s *Session) FailPendingTools(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		msg := &s.messages[i]
		changed := false
		for j := range msg.Parts {
			p := &msg.Parts[j]
			if p.Type == store.PartTool && p.State == store.ToolPending {
				p.State = store.ToolError
				p.Error = reason
				p.Time.End = time.Now().UnixMilli()
				changed = true
				n++
			}
		}
		if changed {
			s.saveMessageLocked(*msg)
		}
	}
	return n
}

// GetMessages returns the newest messages up to limit (0 = all), oldest
// first.
func (s *Session) GetMessages(limit int) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out
}

// GetMessage returns one message by ID.
func (s *Session) GetMessage(msgID string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.findMessageLocked(msgID); msg != nil {
		return *msg, nil
	}
	return store.Message{}, store.ErrNotFound
}

// GetLastMessage returns the most recent message, if any.
func (s *Session) GetLastMessage() (store.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return store.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func (s *Session) findMessageLocked(msgID string) *store.Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == msgID {
			return &s.messages[i]
		}
	}
	return nil
}

// SetTitle updates the session title.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Title = title
	s.touchLocked()
}

// SetSummary updates the session summary.
func (s *Session) SetSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Summary = summary
	s.touchLocked()
}

// SetMetadata sets one metadata key.
func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Metadata == nil {
		s.info.Metadata = make(map[string]string)
	}
	s.info.Metadata[key] = value
	s.touchLocked()
}

// ToHistory converts the session's messages to provider wire messages.
// Reasoning parts are dropped; each tool part becomes an assistant tool_call
// plus a tool-role result message; file parts become content markers.
func (s *Session) ToHistory() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []providers.Message
	for _, msg := range s.messages {
		switch msg.Role {
		case store.RoleAssistant:
			assistant := providers.Message{Role: store.RoleAssistant}
			var toolResults []providers.Message
			for _, p := range msg.Parts {
				switch p.Type {
				case store.PartText:
					assistant.Content += p.Text
				case store.PartTool:
					assistant.ToolCalls = append(assistant.ToolCalls, providers.ToolCall{
						ID:        p.CallID,
						Name:      p.Tool,
						Arguments: p.Input,
					})
					toolResults = append(toolResults, providers.Message{
						Role:       store.RoleTool,
						Content:    toolResultContent(p),
						ToolCallID: p.CallID,
					})
				}
			}
			if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			out = append(out, assistant)
			out = append(out, toolResults...)
		default:
			m := providers.Message{Role: msg.Role}
			for _, p := range msg.Parts {
				switch p.Type {
				case store.PartText:
					m.Content += p.Text
				case store.PartFile:
					if m.Content != "" {
						m.Content += "\n"
					}
					m.Content += fmt.Sprintf("[file: %s (%s)]", p.Filename, p.Mime)
				}
			}
			if m.Content == "" {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

func toolResultContent(p store.Part) string {
	switch p.State {
	case store.ToolError:
		return "Error: " + p.Error
	case store.ToolPending:
		return "(no result)"
	default:
		return p.Output
	}
}

// protectedTools are never pruned; their outputs feed later turns verbatim.
var protectedTools = map[string]bool{"skill": true}

// Prune replaces the outputs of completed unprotected tool parts with a
// placeholder, reclaiming context without touching structure. Returns the
// number of parts pruned.
func (s *Session) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		msg := &s.messages[i]
		changed := false
		for j := range msg.Parts {
			p := &msg.Parts[j]
			if p.Type != store.PartTool || p.State != store.ToolCompleted {
				continue
			}
			if protectedTools[p.Tool] || p.Output == prunedPlaceholder {
				continue
			}
			p.Output = prunedPlaceholder
			changed = true
			n++
		}
		if changed {
			s.saveMessageLocked(*msg)
		}
	}
	return n
}

const prunedPlaceholder = "(output pruned)"

// TokenEstimate approximates the token footprint of the session's history at
// four characters per token.
func (s *Session) TokenEstimate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	chars := 0
	for _, msg := range s.messages {
		for _, p := range msg.Parts {
			chars += len(p.Text) + len(p.Output)
			for k := range p.Input {
				chars += len(k) + 8
			}
		}
	}
	return int(math.Ceil(float64(chars) / 4))
}
