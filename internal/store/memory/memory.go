// Package memory is the in-process store variant used for ephemeral runs and
// tests. Everything lives in maps; Flush and Clear are trivial.
package memory

import (
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Store keeps sessions and messages in memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]store.Session
	messages map[string]map[string]store.Message // sessionID → msgID → message
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]store.Session),
		messages: make(map[string]map[string]store.Message),
	}
}

func (s *Store) SaveSession(info store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[info.ID] = cloneSession(info)
	return nil
}

func (s *Store) GetSession(id string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return cloneSession(info), nil
}

func (s *Store) ListSessions() ([]store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Session, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, cloneSession(info))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Updated != out[j].Updated {
			return out[i].Updated > out[j].Updated
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) SaveMessage(sessionID string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.messages[sessionID]
	if !ok {
		byID = make(map[string]store.Message)
		s.messages[sessionID] = byID
	}
	byID[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *Store) GetMessage(sessionID, msgID string) (store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[sessionID][msgID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *Store) GetMessages(sessionID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.messages[sessionID]
	out := make([]store.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteMessages(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, sessionID)
	return nil
}

func (s *Store) Flush() error { return nil }

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]store.Session)
	s.messages = make(map[string]map[string]store.Message)
	return nil
}

func cloneSession(info store.Session) store.Session {
	out := info
	if info.Metadata != nil {
		out.Metadata = make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneMessage(msg store.Message) store.Message {
	out := msg
	if msg.Metadata != nil {
		out.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Parts = make([]store.Part, len(msg.Parts))
	copy(out.Parts, msg.Parts)
	for i, p := range msg.Parts {
		if p.Input != nil {
			in := make(map[string]any, len(p.Input))
			for k, v := range p.Input {
				in[k] = v
			}
			out.Parts[i].Input = in
		}
	}
	return out
}
