package protocol

import "encoding/json"

// Frame is the JSON envelope sent to SSE and WebSocket clients: one frame per
// bus event, compact-encoded on a single line.
type Frame struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
	SessionID  string `json:"sessionId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

// NewFrame builds a frame for the given event type and payload.
func NewFrame(eventType string, properties any, sessionID string) *Frame {
	return &Frame{Type: eventType, Properties: properties, SessionID: sessionID}
}

// Encode renders the frame as compact JSON.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
