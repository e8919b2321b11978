package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// sendBuffer bounds per-connection backlog. A client that cannot drain this
// many frames is dropped rather than letting its queue grow without bound.
const sendBuffer = 64

// handleEvents streams bus events as server-sent events. ?session= scopes the
// feed to one session; without it the client sees everything. ?client_id=
// names the consumer for event re-entry targeting; one is generated when
// absent and returned in the server.connected frame.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := r.URL.Query().Get("session")
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if sessionID != "" {
		s.active.Store(clientID, sessionID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := make(chan bus.Event, sendBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	handler := func(ev bus.Event) {
		select {
		case send <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	}

	var unsubscribe func()
	if sessionID != "" {
		unsubscribe = s.bus.SubscribeToSession(sessionID, handler)
	} else {
		unsubscribe = s.bus.SubscribeAll(handler)
	}
	defer unsubscribe()
	defer s.active.Delete(clientID)

	slog.Debug("sse client connected", "client", clientID, "session", sessionID)
	if err := writeSSE(w, flusher, protocol.NewFrame(protocol.EventServerConnected, map[string]string{"client_id": clientID}, sessionID)); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			slog.Warn("sse client too slow, dropping", "client", clientID)
			return
		case <-ticker.C:
			if err := writeSSE(w, flusher, protocol.NewFrame(protocol.EventServerHeartbeat, map[string]int64{"time": time.Now().Unix()}, "")); err != nil {
				return
			}
		case ev := <-send:
			if err := writeSSE(w, flusher, frameFor(ev)); err != nil {
				return
			}
			if ev.Type == protocol.EventApplicationExit {
				return
			}
		}
	}
}

func frameFor(ev bus.Event) *protocol.Frame {
	return protocol.NewFrame(ev.Type, ev.Payload, ev.Metadata.SessionID)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, frame *protocol.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		slog.Warn("frame encode failed", "type", frame.Type, "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
