package tools

import "context"

// Tool execution context keys. Per-call values ride the context instead of
// mutable fields on tool instances, so one tool instance is safe for
// concurrent execution.

type toolContextKey string

const (
	ctxSessionID toolContextKey = "tool_session_id"
	ctxClientID  toolContextKey = "tool_client_id"
	ctxTaskID    toolContextKey = "tool_task_id"
)

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxSessionID, sessionID)
}

func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxClientID, clientID)
}

func ClientIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ctxTaskID, taskID)
}

func TaskIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTaskID).(string)
	return v
}
