// Package gateway exposes the runtime over HTTP: session CRUD, prompt
// submission, a live SSE event feed, and a WebSocket mirror of the same feed.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tasks"
)

// SubmitFunc runs a prompt against a session. The gateway calls it on a
// background goroutine; results stream back over the bus.
type SubmitFunc func(ctx context.Context, prompt, sessionID, clientID string) (string, error)

// Options configures a Server.
type Options struct {
	Bus      *bus.Bus
	Sessions *session.Manager
	Tasks    *tasks.Manager
	Submit   SubmitFunc

	Host string
	Port int
	// Token, when non-empty, is required as a bearer token (or ?token= query
	// parameter for SSE/WebSocket, which cannot set headers).
	Token string
	// RateLimitRPM bounds prompt submissions per client per minute. Zero
	// disables limiting.
	RateLimitRPM int
	// HeartbeatInterval paces keep-alive frames on the live feeds.
	HeartbeatInterval time.Duration
}

// Server is the HTTP surface. Construct with New, serve with Start.
type Server struct {
	bus      *bus.Bus
	sessions *session.Manager
	tasks    *tasks.Manager
	submit   SubmitFunc

	addr         string
	rateLimitRPM int
	heartbeat    time.Duration

	tokenMu sync.RWMutex
	token   string

	// active maps clientID to the session that client last prompted.
	active   sync.Map
	limiters sync.Map

	httpServer *http.Server
}

func New(opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	s := &Server{
		bus:          opts.Bus,
		sessions:     opts.Sessions,
		tasks:        opts.Tasks,
		submit:       opts.Submit,
		addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		rateLimitRPM: opts.RateLimitRPM,
		heartbeat:    opts.HeartbeatInterval,
		token:        opts.Token,
	}
	return s
}

// SetToken swaps the auth token at runtime. Used by config hot-reload.
func (s *Server) SetToken(token string) {
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
}

func (s *Server) currentToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

// ActiveSession reports the session a client most recently prompted. This is
// the fallback target for event re-entry when an event carries no session.
func (s *Server) ActiveSession(clientID string) (string, bool) {
	v, ok := s.active.Load(clientID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// BuildMux assembles the route table.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /sessions", s.requireAuth(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /sessions", s.requireAuth(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /sessions/{id}", s.requireAuth(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("DELETE /sessions/{id}", s.requireAuth(http.HandlerFunc(s.handleDeleteSession)))
	mux.Handle("GET /sessions/{id}/messages", s.requireAuth(http.HandlerFunc(s.handleGetMessages)))
	mux.Handle("POST /sessions/{id}/prompt", s.requireAuth(http.HandlerFunc(s.handlePrompt)))
	mux.Handle("POST /sessions/{id}/fork", s.requireAuth(http.HandlerFunc(s.handleFork)))
	mux.Handle("GET /tasks", s.requireAuth(http.HandlerFunc(s.handleListTasks)))
	mux.Handle("POST /tasks/{id}/stop", s.requireAuth(http.HandlerFunc(s.handleStopTask)))
	mux.Handle("GET /events", s.requireAuth(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /ws", s.requireAuth(http.HandlerFunc(s.handleWebSocket)))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.currentToken()
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		want := []byte("Bearer " + token)
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		// EventSource and browser WebSocket clients cannot set headers.
		if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) allowPrompt(clientID string) bool {
	if s.rateLimitRPM <= 0 {
		return true
	}
	if clientID == "" {
		clientID = "anonymous"
	}
	v, _ := s.limiters.LoadOrStore(clientID, rate.NewLimiter(rate.Limit(float64(s.rateLimitRPM)/60.0), s.rateLimitRPM))
	return v.(*rate.Limiter).Allow()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type createSessionRequest struct {
	Title    string `json:"title"`
	ParentID string `json:"parent_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	// An empty body creates an untitled root session.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.sessions.Create(req.ParentID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []store.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		statusFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		statusFromErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		statusFromErr(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	msgs := sess.GetMessages(limit)
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type promptRequest struct {
	Content  string `json:"content"`
	Prompt   string `json:"prompt"` // accepted as an alias for content
	ClientID string `json:"client_id"`
}

func (r promptRequest) text() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Prompt
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.text() == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		statusFromErr(w, err)
		return
	}
	if !s.allowPrompt(req.ClientID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if req.ClientID != "" {
		s.active.Store(req.ClientID, sessionID)
	}

	go func() {
		if _, err := s.submit(context.Background(), req.text(), sessionID, req.ClientID); err != nil {
			slog.Error("prompt execution failed", "session", sessionID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"session_id": sessionID,
	})
}

type forkRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	fork, err := s.sessions.Fork(r.PathValue("id"), req.MessageID)
	if err != nil {
		statusFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fork.Info())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list := s.tasks.List(r.URL.Query().Get("session"))
	if list == nil {
		list = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, ok := s.tasks.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.tasks.Stop(taskID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "task_id": taskID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFromErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
