package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	wsMaxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits non-browser clients (no Origin header) and same-host
// browser connections.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := r.URL.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// inboundFrame is what a WebSocket client may send: a prompt for a session.
type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Prompt    string `json:"prompt"` // accepted as an alias for content
}

func (f inboundFrame) text() string {
	if f.Content != "" {
		return f.Content
	}
	return f.Prompt
}

// handleWebSocket upgrades the connection and mirrors the event feed over it.
// Clients may also submit prompts as {"type":"prompt",...} frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
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

	c := &wsClient{
		server:    s,
		conn:      conn,
		clientID:  clientID,
		sessionID: sessionID,
		send:      make(chan *protocol.Frame, sendBuffer),
		closed:    make(chan struct{}),
	}

	handler := func(ev bus.Event) {
		select {
		case c.send <- frameFor(ev):
		case <-c.closed:
		default:
			slog.Warn("websocket client too slow, dropping", "client", clientID)
			c.close()
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
	defer c.close()

	slog.Debug("websocket client connected", "client", clientID, "session", sessionID)
	c.send <- protocol.NewFrame(protocol.EventServerConnected, map[string]string{"client_id": clientID}, sessionID)

	go c.writePump()
	c.readPump(r.Context())
}

type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	clientID  string
	sessionID string
	send      chan *protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *wsClient) readPump(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "client", c.clientID, "error", err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("websocket bad frame", "client", c.clientID, "error", err)
			continue
		}
		c.handleInbound(ctx, frame)
	}
}

func (c *wsClient) handleInbound(ctx context.Context, frame inboundFrame) {
	switch frame.Type {
	case "prompt":
		sessionID := frame.SessionID
		if sessionID == "" {
			sessionID = c.sessionID
		}
		prompt := frame.text()
		if sessionID == "" || prompt == "" {
			return
		}
		if !c.server.allowPrompt(c.clientID) {
			select {
			case c.send <- protocol.NewFrame(protocol.EventStreamError, map[string]string{"error": "rate limit exceeded"}, sessionID):
			case <-c.closed:
			}
			return
		}
		c.server.active.Store(c.clientID, sessionID)
		go func() {
			if _, err := c.server.submit(context.Background(), prompt, sessionID, c.clientID); err != nil {
				slog.Error("prompt execution failed", "session", sessionID, "error", err)
			}
		}()
	default:
		slog.Debug("websocket unknown frame type", "client", c.clientID, "type", frame.Type)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			data, err := frame.Encode()
			if err != nil {
				slog.Warn("frame encode failed", "type", frame.Type, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if frame.Type == protocol.EventApplicationExit {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
