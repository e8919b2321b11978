package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/ids"
)

// QueryFunc runs one LLM exchange outside any session. Compaction uses it to
// produce summaries without polluting the history being summarized.
type QueryFunc func(ctx context.Context, prompt string, history []providers.Message) (string, error)

// DefaultCacheSize bounds the number of sessions held live in memory.
const DefaultCacheSize = 100

// Manager owns session lifecycle. It keeps a bounded FIFO cache of live
// sessions; evicted sessions stay durable in the store and reload on access.
type Manager struct {
	st store.Store

	mu    sync.Mutex
	cache map[string]*Session
	order []string
	cap   int
}

// NewManager creates a manager over the given store. cacheSize <= 0 uses
// DefaultCacheSize.
func NewManager(st store.Store, cacheSize int) *Manager {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Manager{
		st:    st,
		cache: make(map[string]*Session),
		cap:   cacheSize,
	}
}

// Create makes a new session. parentID may be empty; title is optional. The
// descriptor is persisted immediately so the ID is durable before any
// messages arrive.
func (m *Manager) Create(parentID, title string) (*Session, error) {
	now := time.Now().UnixMilli()
	info := store.Session{
		ID:       ids.Descending(ids.PrefixSession),
		ParentID: parentID,
		Title:    title,
		Created:  now,
		Updated:  now,
	}
	if err := m.st.SaveSession(info); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s := &Session{info: info, st: m.st}
	m.mu.Lock()
	m.insertLocked(s)
	m.mu.Unlock()
	return s, nil
}

// Get returns the live session, loading it from the store when not cached.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.cache[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	info, err := m.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	msgs, err := m.st.GetMessages(id)
	if err != nil {
		return nil, fmt.Errorf("load session %s messages: %w", id, err)
	}
	s := &Session{info: info, messages: msgs, st: m.st}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have loaded it while we were reading.
	if existing, ok := m.cache[id]; ok {
		return existing, nil
	}
	m.insertLocked(s)
	return s, nil
}

// insertLocked adds to the cache, evicting the oldest entry past capacity.
// Eviction only drops the in-memory copy; the store keeps everything.
func (m *Manager) insertLocked(s *Session) {
	id := s.info.ID
	m.cache[id] = s
	m.order = append(m.order, id)
	for len(m.order) > m.cap {
		victim := m.order[0]
		m.order = m.order[1:]
		if victim != id {
			delete(m.cache, victim)
		}
	}
}

// List returns all session descriptors, most recently updated first.
func (m *Manager) List() ([]store.Session, error) {
	return m.st.ListSessions()
}

// GetChildren returns sessions whose ParentID is id.
func (m *Manager) GetChildren(id string) ([]store.Session, error) {
	all, err := m.st.ListSessions()
	if err != nil {
		return nil, err
	}
	var out []store.Session
	for _, info := range all {
		if info.ParentID == id {
			out = append(out, info)
		}
	}
	return out, nil
}

// Delete removes the session, its messages, and recursively every descendant
// session. Deleting a missing session is not an error.
func (m *Manager) Delete(id string) error {
	children, err := m.GetChildren(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := m.Delete(child.ID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.cache, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	return m.st.DeleteSession(id)
}

// Fork creates a child session containing copies of the parent's messages
// from messageID onward (all messages when messageID is empty). Copied
// messages get fresh IDs; the fork shares no mutable state with its parent.
func (m *Manager) Fork(sessionID, messageID string) (*Session, error) {
	parent, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	// Fork from the durable history: in-memory eviction past the message cap
	// must not truncate forks.
	if err := m.st.Flush(); err != nil {
		logStoreError("flush before fork", sessionID, err)
	}
	msgs, err := m.st.GetMessages(sessionID)
	if err != nil || len(msgs) < len(parent.GetMessages(0)) {
		msgs = parent.GetMessages(0)
	}
	cut := 0
	if messageID != "" {
		cut = -1
		for i, msg := range msgs {
			if msg.ID == messageID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return nil, fmt.Errorf("fork %s: message %s not found", sessionID, messageID)
		}
	}

	info := parent.Info()
	child, err := m.Create(sessionID, info.Title)
	if err != nil {
		return nil, err
	}

	child.mu.Lock()
	defer child.mu.Unlock()
	for _, msg := range msgs[cut:] {
		copied := cloneForSession(msg, child.info.ID)
		child.messages = append(child.messages, copied)
		child.saveMessageLocked(copied)
	}
	return child, nil
}

// cloneForSession deep-copies a message into another session under fresh IDs.
func cloneForSession(msg store.Message, sessionID string) store.Message {
	copied := msg
	copied.ID = ids.Ascending(ids.PrefixMessage)
	copied.SessionID = sessionID
	copied.Parts = make([]store.Part, len(msg.Parts))
	copy(copied.Parts, msg.Parts)
	for i := range copied.Parts {
		copied.Parts[i].ID = ids.Ascending(ids.PrefixPart)
		copied.Parts[i].MessageID = copied.ID
	}
	return copied
}

// Flush forces queued store writes to disk.
func (m *Manager) Flush() error {
	return m.st.Flush()
}

func logStoreError(op, id string, err error) {
	slog.Error("session store write failed", "op", op, "id", id, "error", err)
}
