package tools

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/agentcore/internal/session"
)

// CompactTool lets the model compact its own session when context runs low.
type CompactTool struct {
	sessions *session.Manager
	query    session.QueryFunc
}

func NewCompactTool(sessions *session.Manager, query session.QueryFunc) *CompactTool {
	return &CompactTool{sessions: sessions, query: query}
}

func (t *CompactTool) Name() string { return "compact" }

func (t *CompactTool) Description() string {
	return "Summarize this session's recent history into a fresh continuation session. " +
		"Use when the conversation has grown too long to fit in context."
}

func (t *CompactTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"keep_messages": map[string]any{
				"type":        "integer",
				"description": "How many trailing messages to feed the summary",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Custom summarization instruction",
			},
		},
	}
}

func (t *CompactTool) Execute(ctx context.Context, args map[string]any) *Result {
	sessionID := SessionIDFromCtx(ctx)
	if sessionID == "" {
		return ErrorResult("compact requires a session context")
	}

	opts := session.CompactOptions{}
	if keep, ok := args["keep_messages"].(float64); ok && keep > 0 {
		opts.KeepMessages = int(keep)
	}
	opts.CustomPrompt, _ = args["prompt"].(string)

	res, err := t.sessions.Compact(ctx, sessionID, opts, t.query)
	if err != nil {
		return ErrorResult("compaction failed: " + res.Error).WithError(err)
	}
	out, _ := json.Marshal(res)
	return SilentResult(string(out))
}
