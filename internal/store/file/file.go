// Package file is the disk-backed store variant: one JSON document per
// session and per message, written atomically via temp-file-plus-rename.
//
// Layout under the root directory:
//
//	sessions/<sessionID>.json
//	messages/<sessionID>/<messageID>.json
//
// Writes are asynchronous: mutations are queued and a single writer goroutine
// applies them in order, so writes for one session never race each other.
// Flush drains the queue and reports the most recent write error.
package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Store persists sessions and messages under a root directory.
type Store struct {
	root  string
	queue chan job

	mu      sync.Mutex
	lastErr error

	closeOnce sync.Once
	closed    chan struct{}
}

type job struct {
	run  func() error
	done chan struct{} // non-nil for flush markers
}

// New creates (or reopens) a file store rooted at dir.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"sessions", "messages"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("file store: create %s dir: %w", sub, err)
		}
	}
	s := &Store{
		root:   dir,
		queue:  make(chan job, 256),
		closed: make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	for j := range s.queue {
		if j.done != nil {
			close(j.done)
			continue
		}
		if err := j.run(); err != nil {
			slog.Warn("file store: write failed", "error", err)
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
		}
	}
	close(s.closed)
}

func (s *Store) enqueue(run func() error) {
	s.queue <- job{run: run}
}

func (s *Store) SaveSession(info store.Session) error {
	if !validID(info.ID) {
		return fmt.Errorf("file store: invalid session id %q", info.ID)
	}
	path := s.sessionPath(info.ID)
	s.enqueue(func() error { return writeAtomic(path, info) })
	return nil
}

func (s *Store) GetSession(id string) (store.Session, error) {
	var info store.Session
	if !validID(id) {
		return info, store.ErrNotFound
	}
	if err := readJSON(s.sessionPath(id), &info); err != nil {
		if os.IsNotExist(err) {
			return info, store.ErrNotFound
		}
		return info, err
	}
	return info, nil
}

func (s *Store) ListSessions() ([]store.Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("file store: list sessions: %w", err)
	}

	var out []store.Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var info store.Session
		path := filepath.Join(s.root, "sessions", e.Name())
		if err := readJSON(path, &info); err != nil {
			// A malformed record never fails the listing.
			slog.Warn("file store: skipping corrupt session file", "path", path, "error", err)
			continue
		}
		out = append(out, info)
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
	if !validID(id) {
		return nil
	}
	path := s.sessionPath(id)
	msgDir := filepath.Join(s.root, "messages", id)
	s.enqueue(func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.RemoveAll(msgDir); err != nil {
			return err
		}
		return nil
	})
	return nil
}

func (s *Store) SaveMessage(sessionID string, msg store.Message) error {
	if !validID(sessionID) || !validID(msg.ID) {
		return fmt.Errorf("file store: invalid message path %q/%q", sessionID, msg.ID)
	}
	dir := filepath.Join(s.root, "messages", sessionID)
	path := filepath.Join(dir, msg.ID+".json")
	s.enqueue(func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		return writeAtomic(path, msg)
	})
	return nil
}

func (s *Store) GetMessage(sessionID, msgID string) (store.Message, error) {
	var msg store.Message
	if !validID(sessionID) || !validID(msgID) {
		return msg, store.ErrNotFound
	}
	path := filepath.Join(s.root, "messages", sessionID, msgID+".json")
	if err := readJSON(path, &msg); err != nil {
		if os.IsNotExist(err) {
			return msg, store.ErrNotFound
		}
		return msg, err
	}
	return msg, nil
}

func (s *Store) GetMessages(sessionID string) ([]store.Message, error) {
	if !validID(sessionID) {
		return nil, nil
	}
	dir := filepath.Join(s.root, "messages", sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: list messages: %w", err)
	}

	var out []store.Message
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var msg store.Message
		path := filepath.Join(dir, e.Name())
		if err := readJSON(path, &msg); err != nil {
			slog.Warn("file store: skipping corrupt message file", "path", path, "error", err)
			continue
		}
		out = append(out, msg)
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
	if !validID(sessionID) {
		return nil
	}
	dir := filepath.Join(s.root, "messages", sessionID)
	s.enqueue(func() error { return os.RemoveAll(dir) })
	return nil
}

// Flush blocks until every queued write has been applied and returns the most
// recent write error, if any.
func (s *Store) Flush() error {
	done := make(chan struct{})
	s.queue <- job{done: done}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastErr
	s.lastErr = nil
	return err
}

func (s *Store) Clear() error {
	if err := s.Flush(); err != nil {
		slog.Warn("file store: flush before clear", "error", err)
	}
	for _, sub := range []string{"sessions", "messages"} {
		dir := filepath.Join(s.root, sub)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue and stops the writer goroutine.
func (s *Store) Close() error {
	err := s.Flush()
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.closed
	})
	return err
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.root, "sessions", id+".json")
}

// validID rejects anything that could escape the store root.
func validID(id string) bool {
	return id != "" && filepath.IsLocal(id) && !strings.ContainsAny(id, `/\`)
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
