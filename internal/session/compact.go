package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// CompactOptions tunes a compaction run.
type CompactOptions struct {
	// KeepMessages is how many trailing messages feed the summary. Zero means
	// DefaultKeepMessages.
	KeepMessages int
	// CustomPrompt replaces the default summarization instruction.
	CustomPrompt string
}

// DefaultKeepMessages is the trailing window fed to the summarizer.
const DefaultKeepMessages = 50

const defaultCompactPrompt = `Summarize the conversation below for continuation in a fresh context.
Preserve: main user goals, key decisions, current state, and next steps.
Be specific; omit pleasantries. Output only the summary.`

// CompactionResult reports the outcome of a compaction run.
type CompactionResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
	Summarized   int    `json:"summarized_messages,omitempty"`
}

// Compact summarizes the session's trailing KeepMessages window and creates a
// child session holding exactly one system message: the summary. The original
// session is left untouched. The summary query runs through queryFunc with
// empty history so it never pollutes any session.
func (m *Manager) Compact(ctx context.Context, sessionID string, opts CompactOptions, query QueryFunc) (CompactionResult, error) {
	res := CompactionResult{SessionID: sessionID}

	s, err := m.Get(sessionID)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	keep := opts.KeepMessages
	if keep <= 0 {
		keep = DefaultKeepMessages
	}

	window := s.GetMessages(keep)
	if len(window) == 0 {
		err := fmt.Errorf("compact %s: session has no messages", sessionID)
		res.Error = err.Error()
		return res, err
	}

	prompt := opts.CustomPrompt
	if prompt == "" {
		prompt = defaultCompactPrompt
	}
	summary, err := query(ctx, prompt+"\n\n"+renderTranscript(window), nil)
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("compact %s: summarize: %w", sessionID, err)
	}

	info := s.Info()
	child, err := m.Create(sessionID, info.Title)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	child.AddSystemMessage(summary)
	child.SetSummary(summary)

	res.Success = true
	res.NewSessionID = child.ID()
	res.Summarized = len(window)
	return res, nil
}

// renderTranscript flattens messages into plain text for the summarizer.
func renderTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		for _, p := range msg.Parts {
			switch p.Type {
			case store.PartText:
				fmt.Fprintf(&b, "%s: %s\n", msg.Role, p.Text)
			case store.PartTool:
				fmt.Fprintf(&b, "%s called %s(%v) -> %s\n", msg.Role, p.Tool, p.Input, toolResultContent(p))
			case store.PartFile:
				fmt.Fprintf(&b, "%s attached %s (%s)\n", msg.Role, p.Filename, p.Mime)
			}
		}
	}
	return b.String()
}
