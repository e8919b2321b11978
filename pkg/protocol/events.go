// Package protocol defines the wire-level event vocabulary shared by the
// event bus, the SSE/WebSocket gateway, and external clients.
package protocol

// Event type names published on the bus and forwarded to stream clients.
// The set is closed: components publish only these types.
const (
	// Stream events, scoped to one (session, message) pair.
	EventStreamStart      = "stream.start"
	EventStreamText       = "stream.text"
	EventStreamReasoning  = "stream.reasoning"
	EventStreamToolCall   = "stream.tool.call"
	EventStreamToolResult = "stream.tool.result"
	EventStreamCompleted  = "stream.completed"
	EventStreamError      = "stream.error"

	// Background task lifecycle events. Exactly one terminal event is
	// published per task.
	EventTaskCompleted = "background_task.completed"
	EventTaskFailed    = "background_task.failed"
	EventTaskTimeout   = "background_task.timeout"
	EventTaskStopped   = "background_task.stopped"

	// Server bookkeeping.
	EventServerConnected = "server.connected"
	EventServerHeartbeat = "server.heartbeat"
	EventApplicationExit = "application.exit"
)

// StreamStart announces a new assistant message stream.
type StreamStart struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Model     string `json:"model,omitempty"`
}

// StreamText carries one incremental text delta. Content is the accumulated
// text so far; Delta is the new fragment.
type StreamText struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Delta     string `json:"delta"`
}

// StreamReasoning carries the model's thinking trace. Unlike StreamText the
// content is cumulative: providers re-send the full trace on each update.
type StreamReasoning struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// StreamToolCall announces a tool invocation requested by the model.
type StreamToolCall struct {
	SessionID  string         `json:"sessionId"`
	MessageID  string         `json:"messageId"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`
}

// StreamToolResult carries a finished tool execution.
type StreamToolResult struct {
	SessionID  string `json:"sessionId"`
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Result     string `json:"result"`
	Success    bool   `json:"success"`
}

// Usage tracks token consumption for one stream.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamCompleted terminates a stream normally.
type StreamCompleted struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Usage     *Usage `json:"usage,omitempty"`
}

// StreamError terminates a stream with a human-readable failure.
type StreamError struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
}

// TaskCompleted is published when a background task finishes normally.
type TaskCompleted struct {
	TaskID        string `json:"taskId"`
	SubSessionID  string `json:"subSessionId"`
	Description   string `json:"description"`
	Result        string `json:"result"`
	ExecutionTime int64  `json:"execution_time_ms"`
	SubagentType  string `json:"subagentType,omitempty"`
}

// TaskFailed is published when a background task errors out. The error text
// preserves the underlying cause verbatim.
type TaskFailed struct {
	TaskID        string `json:"taskId"`
	SubSessionID  string `json:"subSessionId"`
	Description   string `json:"description"`
	Error         string `json:"error"`
	ExecutionTime int64  `json:"execution_time_ms"`
	SubagentType  string `json:"subagentType,omitempty"`
}

// TaskTimeout is published when a background task exceeds its deadline.
type TaskTimeout struct {
	TaskID        string `json:"taskId"`
	SubSessionID  string `json:"subSessionId"`
	Description   string `json:"description"`
	Message       string `json:"message"`
	ExecutionTime int64  `json:"execution_time_ms"`
}

// TaskStopped is published when a background task is cancelled by request.
type TaskStopped struct {
	TaskID        string `json:"taskId"`
	SubSessionID  string `json:"subSessionId"`
	Message       string `json:"message"`
	ExecutionTime int64  `json:"execution_time_ms"`
}
