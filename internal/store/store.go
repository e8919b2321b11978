// Package store defines the persisted conversation model and the persistence
// capability the runtime is built against. Any backend that satisfies Store
// works: the shipped variants are memory, file, sqlite, and postgres.
package store

import "errors"

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// PartType discriminates the content variants of a Part.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartFile      PartType = "file"
	PartTool      PartType = "tool"
)

// ToolState is the lifecycle of a tool part.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// TimeSpan brackets an operation in unix milliseconds. End is zero while the
// operation is still running.
type TimeSpan struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// Part is the atomic unit of message content. Exactly one variant's fields
// are populated, selected by Type.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageId"`
	Type      PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// file
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`

	// tool
	CallID string         `json:"callId,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	State  ToolState      `json:"state,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	// reasoning, tool
	Time TimeSpan `json:"time,omitzero"`
}

// Message is one entry in a session's history. Append-only; a live assistant
// message may grow parts until its stream completes.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Role      string            `json:"role"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Parts     []Part            `json:"parts"`
}

// Session is the durable descriptor of one conversation. ParentID links
// compaction children and task sub-sessions to their origin; the links form a
// forest, never a cycle, because sessions reference parents by ID only.
type Session struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parentId,omitempty"`
	Title     string            `json:"title,omitempty"`
	Directory string            `json:"directory,omitempty"`
	Created   int64             `json:"created"`
	Updated   int64             `json:"updated"`
	Summary   string            `json:"summary,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is the persistence capability. Implementations must make every save
// crash-safe (atomic rename or transactional commit) and must skip corrupt
// records on read with a logged warning rather than failing the whole
// operation. Writes may be asynchronous relative to the in-memory view;
// Flush blocks until everything queued is durable and surfaces the most
// recent write error.
type Store interface {
	SaveSession(info Session) error
	GetSession(id string) (Session, error)
	// ListSessions returns all sessions ordered by Updated descending.
	ListSessions() ([]Session, error)
	// DeleteSession removes the session and all its messages. Deleting a
	// missing session is not an error.
	DeleteSession(id string) error

	SaveMessage(sessionID string, msg Message) error
	GetMessage(sessionID, msgID string) (Message, error)
	// GetMessages returns the session's messages ordered by timestamp
	// ascending (ties broken by ID).
	GetMessages(sessionID string) ([]Message, error)
	DeleteMessages(sessionID string) error

	Flush() error
	Clear() error
}
