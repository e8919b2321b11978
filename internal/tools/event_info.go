package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventLookup resolves recent bus events by ID. Backed by the event log's
// ring buffer.
type EventLookup interface {
	Get(eventID string) (any, bool)
}

// EventInfoTool lets the model fetch the full payload of an event it was
// re-entered for. The re-entry processor pre-fills a completed call to this
// tool so the payload is already in context; the model calls it again only
// for other recent events.
type EventInfoTool struct {
	log EventLookup
}

func NewEventInfoTool(log EventLookup) *EventInfoTool {
	return &EventInfoTool{log: log}
}

func (t *EventInfoTool) Name() string { return "get_event_info" }

func (t *EventInfoTool) Description() string {
	return "Fetch the full payload of a recent event by its ID"
}

func (t *EventInfoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"event_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "IDs of the events to look up",
			},
		},
		"required": []string{"event_ids"},
	}
}

func (t *EventInfoTool) Execute(ctx context.Context, args map[string]any) *Result {
	ids := eventIDArgs(args)
	if len(ids) == 0 {
		return ErrorResult("event_ids is required")
	}

	payloads := make([]any, 0, len(ids))
	for _, id := range ids {
		ev, ok := t.log.Get(id)
		if !ok {
			return ErrorResult(fmt.Sprintf("event %s not found (it may have aged out)", id))
		}
		payloads = append(payloads, ev)
	}

	var out any = payloads
	if len(payloads) == 1 {
		out = payloads[0]
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode events: %v", err)).WithError(err)
	}
	return SilentResult(string(data))
}

func eventIDArgs(args map[string]any) []string {
	var ids []string
	if raw, ok := args["event_ids"].([]any); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	// Single-ID form, for models that skip the array.
	if id, ok := args["event_id"].(string); ok && id != "" {
		ids = append(ids, id)
	}
	return ids
}
